package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/elnosh/nutcustody/cashu"
	"github.com/elnosh/nutcustody/cashu/nuts/nut01"
	"github.com/elnosh/nutcustody/cashu/nuts/nut02"
	"github.com/elnosh/nutcustody/cashu/nuts/nut03"
	"github.com/elnosh/nutcustody/cashu/nuts/nut04"
	"github.com/elnosh/nutcustody/cashu/nuts/nut05"
	"github.com/elnosh/nutcustody/cashu/nuts/nut07"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := get(ctx, mintURL+"/v1/keys", &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func GetAllKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := get(ctx, mintURL+"/v1/keysets", &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	var keysetRes nut01.GetKeysResponse
	if err := get(ctx, mintURL+"/v1/keys/"+url.PathEscape(id), &keysetRes); err != nil {
		return nil, err
	}
	return &keysetRes, nil
}

func PostMintQuoteBolt11(ctx context.Context, mintURL string, mintQuoteRequest nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {

	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := post(ctx, mintURL+"/v1/mint/quote/bolt11", mintQuoteRequest, &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func GetMintQuoteState(ctx context.Context, mintURL, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	var mintQuoteResponse nut04.PostMintQuoteBolt11Response
	if err := get(ctx, mintURL+"/v1/mint/quote/bolt11/"+url.PathEscape(quoteId), &mintQuoteResponse); err != nil {
		return nil, err
	}
	return &mintQuoteResponse, nil
}

func PostMintBolt11(ctx context.Context, mintURL string, mintRequest nut04.PostMintBolt11Request) (
	*nut04.PostMintBolt11Response, error) {

	var mintResponse nut04.PostMintBolt11Response
	if err := post(ctx, mintURL+"/v1/mint/bolt11", mintRequest, &mintResponse); err != nil {
		return nil, err
	}
	return &mintResponse, nil
}

func PostSwap(ctx context.Context, mintURL string, swapRequest nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	var swapResponse nut03.PostSwapResponse
	if err := post(ctx, mintURL+"/v1/swap", swapRequest, &swapResponse); err != nil {
		return nil, err
	}
	return &swapResponse, nil
}

func PostMeltQuoteBolt11(ctx context.Context, mintURL string, meltQuoteRequest nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {

	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := post(ctx, mintURL+"/v1/melt/quote/bolt11", meltQuoteRequest, &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	var meltQuoteResponse nut05.PostMeltQuoteBolt11Response
	if err := get(ctx, mintURL+"/v1/melt/quote/bolt11/"+url.PathEscape(quoteId), &meltQuoteResponse); err != nil {
		return nil, err
	}
	return &meltQuoteResponse, nil
}

func PostMeltBolt11(ctx context.Context, mintURL string, meltRequest nut05.PostMeltBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {

	var meltResponse nut05.PostMeltQuoteBolt11Response
	if err := post(ctx, mintURL+"/v1/melt/bolt11", meltRequest, &meltResponse); err != nil {
		return nil, err
	}
	return &meltResponse, nil
}

func PostCheckProofState(ctx context.Context, mintURL string, stateRequest nut07.PostCheckStateRequest) (
	*nut07.PostCheckStateResponse, error) {

	var stateResponse nut07.PostCheckStateResponse
	if err := post(ctx, mintURL+"/v1/checkstate", stateRequest, &stateResponse); err != nil {
		return nil, err
	}
	return &stateResponse, nil
}

func get(ctx context.Context, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return do(req, dst)
}

func post(ctx context.Context, endpoint string, body any, dst any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, dst)
}

func do(req *http.Request, dst any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := parse(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("error reading response from mint: %v", err)
	}
	return nil
}

// parse turns non 200 responses into errors. A 400 carries a
// cashu.Error in the body.
func parse(response *http.Response) error {
	if response.StatusCode == http.StatusBadRequest {
		var errResponse cashu.Error
		if err := json.NewDecoder(response.Body).Decode(&errResponse); err != nil {
			return fmt.Errorf("could not decode error response from mint: %v", err)
		}
		return errResponse
	}

	if response.StatusCode != http.StatusOK {
		body, err := io.ReadAll(response.Body)
		if err != nil {
			return err
		}
		return fmt.Errorf("mint returned status %d: %s", response.StatusCode, bytes.TrimSpace(body))
	}

	return nil
}
