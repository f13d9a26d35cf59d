package errors

// Convenience constructors for the categories used throughout the master.

// ValidationError creates a validation error builder.
func ValidationError(message string) *ErrorBuilder {
	return NewError(CategoryValidation, message)
}

// ConfigError creates a configuration error builder. Config errors are
// rejected at load time, before anything referencing them can dispatch.
func ConfigError(message string) *ErrorBuilder {
	return NewError(CategoryConfig, message).Fatal()
}

// StoreError creates a persistence error builder.
func StoreError(message string) *ErrorBuilder {
	return NewError(CategoryStore, message)
}

// DispatchError creates a dispatch error builder.
func DispatchError(message string) *ErrorBuilder {
	return NewError(CategoryDispatch, message)
}

// WorkerError creates a worker transport/session error builder.
func WorkerError(message string) *ErrorBuilder {
	return NewError(CategoryWorker, message)
}

// InternalError creates an internal invariant-violation error builder.
// These are fatal to the operation, never to the process.
func InternalError(message string) *ErrorBuilder {
	return NewError(CategoryInternal, message)
}
