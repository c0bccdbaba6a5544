package result

// ErrorCode identifies the category of a failed check.
type ErrorCode int

const (
	// CodeOK indicates success.
	CodeOK ErrorCode = 0

	// CodeGenericError indicates an uncategorized failure.
	CodeGenericError ErrorCode = 1

	// CodeInvalidSignature indicates a signature that failed verification.
	CodeInvalidSignature ErrorCode = 101
	// CodeMismatchedContext indicates messages referencing different height/round/hash.
	CodeMismatchedContext ErrorCode = 102
	// CodeEquivocation indicates conflicting signed messages from the same party.
	CodeEquivocation ErrorCode = 103

	// CodeRateLimited indicates the submitter exceeded its admission rate.
	CodeRateLimited ErrorCode = 201
	// CodePoolFull indicates the mempool is at capacity and the entry lost the
	// priority comparison.
	CodePoolFull ErrorCode = 202
	// CodeBadEnvelope indicates a malformed or unauthenticated encrypted envelope.
	CodeBadEnvelope ErrorCode = 203
	// CodeEpochExpired indicates the envelope targets an epoch outside the
	// retention window.
	CodeEpochExpired ErrorCode = 204
	// CodeDuplicateTx indicates a transaction that has already been admitted.
	CodeDuplicateTx ErrorCode = 205
)
