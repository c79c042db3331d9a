package importer

import "errors"

var (
	ErrNoSession       = errors.New("no import session in progress")
	ErrNotValidated    = errors.New("session has not been validated")
	ErrBlocked         = errors.New("validation reported blocking issues")
	ErrPriorImport     = errors.New("a previous import exists; clear it before importing again")
	ErrNoPatientsTable = errors.New("no table could be identified as patients")
	ErrNoPatients      = errors.New("no patients to import")
	ErrPersisting      = errors.New("persistence already in progress")
	ErrPreviewOnly     = errors.New("session was started in preview-only mode")
	ErrCancelled       = errors.New("import session was cancelled")
	ErrLoading         = errors.New("import session is still loading")
)
