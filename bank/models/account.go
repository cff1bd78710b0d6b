package models

type Account struct {
	Number   string `json:"number"`
	ClientID string `json:"client_id"`
	Balance  Amount `json:"balance"`
}

// Client is an account holder. A client with merchant credentials can also request
// payments; its account then receives settled funds as the acquirer account.
type Client struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	AccountNumber      string `json:"account_number"`
	PAN                string `json:"-"`
	MerchantID         string `json:"merchant_id,omitempty"`
	MerchantSecretHash []byte `json:"-"`
}

func (c *Client) IsMerchant() bool {
	return c.MerchantID != "" && len(c.MerchantSecretHash) > 0
}
