package errors

import "fmt"

// DBError wraps persistence failures. ID names the operation that failed,
// e.g. "task.claim_next".
type DBError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (e *DBError) Error() string {
	return fmt.Sprintf("DBError [%s]: %s", e.ID, e.Message)
}

func NewDBError(id, message string) *DBError {
	return &DBError{ID: id, Message: message}
}

func NewDBInternalError(id string, err error) *DBError {
	return NewDBError(id, err.Error())
}

type DBNotFoundError struct {
	DBError
}

func NewDBNotFoundError(id, message string) *DBNotFoundError {
	return &DBNotFoundError{DBError: *NewDBError(id, message)}
}

type DBUniqueViolationError struct {
	DBError
	Column string
}

type DBForeignKeyViolationError struct {
	DBError
	ForeignKeyTable string
}
