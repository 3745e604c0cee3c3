package main

const (
	exitCodeSuccess = 0
	exitCodeUsage   = 1
	// exitCodeWatch means a path could not be watched.
	exitCodeWatch   = 2
	exitCodeTimeout = 3
	exitCodeRuntime = 4
	exitCodeConfig  = 5
)

type cliError struct {
	Code    int
	Message string
}

func (e *cliError) Error() string {
	return e.Message
}

func exitErr(code int, message string) error {
	return &cliError{Code: code, Message: message}
}
