// Package bus defines the logical request/command interface to the
// message bus and an HTTP gateway transport for it.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

type Kind int

const (
	KindRequest Kind = 1
	KindCommand Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindCommand:
		return "command"
	default:
		return fmt.Sprintf("kind-%d", int(k))
	}
}

// Domains and actions used by the scraper.
const (
	DomainDataCollector = "DataCollector"
	DomainCoreTopologie = "CoreTopologie"
	DomainMaitreDesCles = "MaitreDesCles"
	DomainFilehost      = "filehost"

	ActionGetFeedsForScraper     = "getFeedsForScraper"
	ActionCheckExistingDataIds   = "checkExistingDataIds"
	ActionGetFuuidsVolatile      = "getFuuidsVolatile"
	ActionAddFuuidsVolatile      = "addFuuidsVolatile"
	ActionSaveDataItem           = "saveDataItem"
	ActionSaveDataItemV2         = "saveDataItemV2"
	ActionAjouterCleDomaines     = "ajouterCleDomaines"
	ActionFicheMillegrille       = "ficheMillegrille"
	ActionGetFilehostForInstance = "getFilehostForInstance"
	ActionAuthenticate           = "authenticate"
)

// CodeAlreadyExists is returned by the index when a record was already saved.
const CodeAlreadyExists = 409

// Message is a signed request or command.
type Message struct {
	ID          string              `json:"id"`
	Kind        Kind                `json:"kind"`
	Domain      string              `json:"domaine"`
	Action      string              `json:"action"`
	Content     string              `json:"contenu"`
	Timestamp   int64               `json:"estampille"`
	Signature   string              `json:"sig"`
	Certificate []string            `json:"certificat,omitempty"`
	Millegrille string              `json:"millegrille,omitempty"`
	Attachments map[string]*Message `json:"attachements,omitempty"`
}

// Signer produces signed messages. Identity management lives behind it.
type Signer interface {
	Sign(kind Kind, domain, action string, content any) (*Message, error)
}

// Producer sends requests and commands and waits for their response.
type Producer interface {
	Request(ctx context.Context, domain, action string, content any) (*Response, error)
	Command(ctx context.Context, domain, action string, content any, attachments map[string]*Message) (*Response, error)
}

// Response is a parsed reply. Domain specific fields are read with Decode.
type Response struct {
	Ok   bool   `json:"ok"`
	Code int    `json:"code,omitempty"`
	Err  string `json:"err,omitempty"`

	raw json.RawMessage
}

// NewResponse parses a raw reply body.
func NewResponse(raw []byte) (*Response, error) {
	r := &Response{raw: append(json.RawMessage(nil), raw...)}
	if len(raw) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return r, nil
}

// Decode unmarshals the full reply body into v.
func (r *Response) Decode(v any) error {
	if len(r.raw) == 0 {
		return errors.New("empty response")
	}
	if err := json.Unmarshal(r.raw, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Raw returns the reply body.
func (r *Response) Raw() []byte {
	return r.raw
}

// IsDuplicate reports whether the target already held this record.
func (r *Response) IsDuplicate() bool {
	return r.Code == CodeAlreadyExists
}

// Succeeded treats duplicates as success.
func (r *Response) Succeeded() bool {
	return r.Ok || r.IsDuplicate()
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
