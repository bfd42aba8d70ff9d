// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures so callers can pick a recovery policy.
type Kind string

const (
	KindInternal             Kind = "Internal"
	KindTransientIO          Kind = "TransientIO"
	KindPermanentSendFailure Kind = "PermanentSendFailure"
	KindUnknownToken         Kind = "UnknownToken"
	KindConcurrencyConflict  Kind = "ConcurrencyConflict"
	KindInvariantViolation   Kind = "InvariantViolation"
	KindNotFound             Kind = "NotFound"
	KindInvalidInput         Kind = "InvalidInput"
	KindActiveCampaignExists Kind = "ActiveCampaignExists"
	KindInvalidTransition    Kind = "InvalidTransition"
	KindDuplicate            Kind = "Duplicate"
	KindDraining             Kind = "Draining"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so errors.Is(err, appErrors.ErrConflict) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

var (
	ErrConflict       = &Error{Kind: KindConcurrencyConflict}
	ErrUnknownToken   = &Error{Kind: KindUnknownToken}
	ErrDuplicate      = &Error{Kind: KindDuplicate}
	ErrActiveCampaign = &Error{Kind: KindActiveCampaignExists}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

// KindOf returns the kind of the outermost *Error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var nf *ErrCampaignNotFound
	if errors.As(err, &nf) {
		return KindNotFound
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound, KindUnknownToken:
		return http.StatusNotFound
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindActiveCampaignExists, KindInvalidTransition, KindConcurrencyConflict, KindDuplicate:
		return http.StatusConflict
	case KindDraining:
		return http.StatusServiceUnavailable
	case KindTransientIO:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// ErrCampaignNotFound is returned by lookups of a missing campaign.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}
