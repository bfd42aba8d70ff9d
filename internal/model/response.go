// internal/model/response.go
package model

import "time"

const (
	ResponseView         = "view"
	ResponseFormSubmit   = "form_submit"
	ResponseEmailReply   = "email_reply"
	ResponseBidSubmitted = "bid_submitted"
	ResponseDecline      = "decline"
)

func ValidResponseKind(kind string) bool {
	switch kind {
	case ResponseView, ResponseFormSubmit, ResponseEmailReply, ResponseBidSubmitted, ResponseDecline:
		return true
	}
	return false
}

// Response is an inbound signal attributed through its tracking token.
type Response struct {
	ID            string    `db:"id" json:"id"`
	TrackingToken string    `db:"tracking_token" json:"tracking_token"`
	CampaignID    string    `db:"campaign_id" json:"campaign_id"`
	ContractorID  string    `db:"contractor_id" json:"contractor_id"`
	Kind          string    `db:"kind" json:"kind"`
	ReceivedAt    time.Time `db:"received_at" json:"received_at"`
	Payload       []byte    `db:"payload" json:"payload,omitempty"`
}

func (r *Response) CountsAsBid() bool {
	return r.Kind == ResponseBidSubmitted
}
