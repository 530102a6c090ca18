package exchange

import "errors"

const (
	Pending             = "PENDING"
	ExportSuccess       = "EXPORT_SUCCESS"
	ImportSuccess       = "IMPORT_SUCCESS"
	PEPError            = "PEP_ERROR"
	ProviderExportError = "PROVIDER_EXPORT_ERROR"
	ConsumerImportError = "CONSUMER_IMPORT_ERROR"
	ConsentExportError  = "CONSENT_EXPORT_ERROR"
	ConsentImportError  = "CONSENT_IMPORT_ERROR"
	NodeCallbackError   = "NODE_CALLBACK_ERROR"
	UndefinedError      = "UNDEFINED_ERROR"
)

var (
	ErrInvalidTransition = errors.New("invalid exchange transition")
	ErrUnknownStatus     = errors.New("unknown exchange status")
)

// Origin identifies which side of the exchange reported an outcome.
type Origin string

const (
	OriginProvider Origin = "provider"
	OriginConsumer Origin = "consumer"
)

func KnownStatus(status string) bool {
	switch status {
	case Pending, ExportSuccess, ImportSuccess,
		PEPError, ProviderExportError, ConsumerImportError,
		ConsentExportError, ConsentImportError,
		NodeCallbackError, UndefinedError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a status ends the current leg of an exchange.
// Every status except PENDING is terminal for its leg.
func IsTerminal(status string) bool {
	return KnownStatus(status) && status != Pending
}

func IsError(status string) bool {
	switch status {
	case PEPError, ProviderExportError, ConsumerImportError,
		ConsentExportError, ConsentImportError,
		NodeCallbackError, UndefinedError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a record may move from one status to
// another. Transitions are idempotent: re-applying the current status is
// allowed so that at-least-once delivery of remote updates never fails.
// EXPORT_SUCCESS may still advance to IMPORT_SUCCESS (the consumer leg
// completes after the provider leg) or degrade to a consumer-side error.
func CanTransition(from, to string) bool {
	if !KnownStatus(to) {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case "", Pending:
		return true
	case ExportSuccess:
		return to == ImportSuccess || to == ConsumerImportError ||
			to == ConsentImportError || to == NodeCallbackError
	default:
		return false
	}
}

// Transition validates one status change and returns the resulting
// status. A late EXPORT_SUCCESS against a record the consumer leg has
// already settled is absorbed: the peer syncs its terminal status back
// while the provider is still delivering, and the provider's own
// success report must not fail the export it describes.
func Transition(from, to string) (string, error) {
	if !KnownStatus(to) {
		return from, ErrUnknownStatus
	}
	if to == ExportSuccess && subsumesExportSuccess(from) {
		return from, nil
	}
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// subsumesExportSuccess reports whether a status already implies the
// provider leg finished delivering.
func subsumesExportSuccess(status string) bool {
	switch status {
	case ImportSuccess, ConsumerImportError, ConsentImportError, NodeCallbackError:
		return true
	default:
		return false
	}
}

// ErrorStatus maps an origin to the matching transport-error status.
func ErrorStatus(origin Origin) string {
	if origin == OriginConsumer {
		return ConsumerImportError
	}
	return ProviderExportError
}

// SuccessStatus maps an origin to the matching success status.
func SuccessStatus(origin Origin) string {
	if origin == OriginConsumer {
		return ImportSuccess
	}
	return ExportSuccess
}

// ConsentErrorStatus maps an origin to the matching consent-error status.
func ConsentErrorStatus(origin Origin) string {
	if origin == OriginConsumer {
		return ConsentImportError
	}
	return ConsentExportError
}
