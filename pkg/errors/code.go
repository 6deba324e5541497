package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20100-20199: Command validation errors
// 20200-20299: Execution gateway errors
// 20300-20399: Script sandbox errors
// 20400-20499: Integrity & audit errors
// 20500-20599: Module pipeline errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	Internal      ErrorCode = 10001
	InvalidParams ErrorCode = 10002
	NotFound      ErrorCode = 10003
	Timeout       ErrorCode = 10004
	Canceled      ErrorCode = 10005

	// Configuration errors (10100-10199)
	ConfigLoadFailed ErrorCode = 10100
	ConfigInvalid    ErrorCode = 10101

	// Storage errors (10200-10299)
	StorageError      ErrorCode = 10200
	StorageOpenFailed ErrorCode = 10201
	StorageLockFailed ErrorCode = 10202
	StorageCorrupted  ErrorCode = 10203

	// ========== Command Validation Errors (20100-20199) ==========

	EmptyCommand            ErrorCode = 20100
	UnknownExecutable       ErrorCode = 20101
	DisallowedMetacharacter ErrorCode = 20102
	MalformedQuoting        ErrorCode = 20103
	ArgumentTooLong         ErrorCode = 20104
	DisallowedFlag          ErrorCode = 20105

	// ========== Execution Gateway Errors (20200-20299) ==========

	SpawnFailed     ErrorCode = 20200
	NonZeroExit     ErrorCode = 20201
	OutputTruncated ErrorCode = 20202
	ExecutionKilled ErrorCode = 20203

	// ========== Script Sandbox Errors (20300-20399) ==========

	SandboxTimeout       ErrorCode = 20300
	SandboxLimitExceeded ErrorCode = 20301
	CapabilityViolation  ErrorCode = 20302
	ScriptError          ErrorCode = 20303

	// ========== Integrity & Audit Errors (20400-20499) ==========

	SignatureInvalid ErrorCode = 20400
	UnknownKey       ErrorCode = 20401
	KeyRevoked       ErrorCode = 20402
	ChainBroken      ErrorCode = 20403
	SigningFailed    ErrorCode = 20404
	KeyringInvalid   ErrorCode = 20405

	// ========== Module Pipeline Errors (20500-20599) ==========

	ModuleNotFound  ErrorCode = 20500
	DependencyCycle ErrorCode = 20501
	ModuleConflict  ErrorCode = 20502
	HookFailed      ErrorCode = 20503
	ModuleSkipped   ErrorCode = 20504
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:       "Success",
	Internal:      "Internal error",
	InvalidParams: "Invalid parameters",
	NotFound:      "Resource not found",
	Timeout:       "Operation timed out",
	Canceled:      "Operation canceled",

	// Configuration
	ConfigLoadFailed: "Failed to load configuration",
	ConfigInvalid:    "Invalid configuration",

	// Storage
	StorageError:      "Storage operation failed",
	StorageOpenFailed: "Failed to open storage",
	StorageLockFailed: "Failed to acquire storage lock",
	StorageCorrupted:  "Storage content is corrupted",

	// Command validation
	EmptyCommand:            "Command is empty",
	UnknownExecutable:       "Executable is not whitelisted",
	DisallowedMetacharacter: "Command contains a disallowed shell metacharacter",
	MalformedQuoting:        "Command quoting is malformed",
	ArgumentTooLong:         "Command argument exceeds the length limit",
	DisallowedFlag:          "Flag is not permitted for this executable",

	// Execution gateway
	SpawnFailed:     "Failed to spawn process",
	NonZeroExit:     "Process exited with a non-zero status",
	OutputTruncated: "Process output exceeded the capture limit",
	ExecutionKilled: "Process was killed before completion",

	// Script sandbox
	SandboxTimeout:       "Hook script exceeded its time limit",
	SandboxLimitExceeded: "Hook script exceeded a resource limit",
	CapabilityViolation:  "Hook script invoked a forbidden capability",
	ScriptError:          "Hook script failed",

	// Integrity & audit
	SignatureInvalid: "Signature verification failed",
	UnknownKey:       "Signing key is not in the trusted set",
	KeyRevoked:       "Signing key has been revoked",
	ChainBroken:      "Audit chain verification found a divergence",
	SigningFailed:    "Failed to produce signature",
	KeyringInvalid:   "Keyring content is invalid",

	// Module pipeline
	ModuleNotFound:  "Module not found",
	DependencyCycle: "Module dependency cycle detected",
	ModuleConflict:  "Modules declare a mutual conflict",
	HookFailed:      "Module hook failed",
	ModuleSkipped:   "Module skipped because a requirement did not apply",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// IsValidation reports whether the code belongs to the command validation range.
// Rejections in this range are final for the submitted command string.
func (c ErrorCode) IsValidation() bool {
	return c >= 20100 && c < 20200
}

// IsIntegrity reports whether the code belongs to the integrity range.
// Any error in this range means trust in the audit trail is lost.
func (c ErrorCode) IsIntegrity() bool {
	return c >= 20400 && c < 20500
}
