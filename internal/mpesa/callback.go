package mpesa

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedCallback = errors.New("malformed mpesa callback")

// STKCallback is the result of an STK push, delivered to the callback URL.
type STKCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            int64
	PhoneNumber       string
}

type stkEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

func (m metadataItem) String() string {
	var s string
	if err := json.Unmarshal(m.Value, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(m.Value, &n); err == nil {
		return n.String()
	}
	return ""
}

func (m metadataItem) Int() int64 {
	var f float64
	if err := json.Unmarshal(m.Value, &f); err == nil {
		return int64(f)
	}
	return 0
}

func ParseSTKCallback(body []byte) (*STKCallback, error) {
	var env stkEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	raw := env.Body.StkCallback
	if raw.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}

	cb := &STKCallback{
		MerchantRequestID: raw.MerchantRequestID,
		CheckoutRequestID: raw.CheckoutRequestID,
		ResultCode:        raw.ResultCode,
		ResultDesc:        raw.ResultDesc,
	}
	for _, item := range raw.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			cb.ReceiptNumber = item.String()
		case "Amount":
			cb.Amount = item.Int()
		case "PhoneNumber":
			cb.PhoneNumber = item.String()
		}
	}
	return cb, nil
}

// B2CResultCallback is the asynchronous outcome of a B2C payment.
type B2CResultCallback struct {
	ResultCode               int    `json:"ResultCode"`
	ResultDesc               string `json:"ResultDesc"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ConversationID           string `json:"ConversationID"`
	TransactionID            string `json:"TransactionID"`
}

func ParseB2CResult(body []byte) (*B2CResultCallback, error) {
	var env struct {
		Result B2CResultCallback `json:"Result"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Result.OriginatorConversationID == "" {
		return nil, fmt.Errorf("%w: missing OriginatorConversationID", ErrMalformedCallback)
	}
	return &env.Result, nil
}
