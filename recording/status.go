package recording

import (
	"context"
	"errors"
	"fmt"

	"github.com/medrec-io/go-recupload/chunkuploader"
)

// Status is the stage of one upload.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusUploading    Status = "uploading"
	StatusCompleting   Status = "completing"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Terminal reports whether no further transitions can follow.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// User facing messages.
const (
	msgInitializing     = "Preparando o envio da gravação"
	msgUploading        = "Enviando gravação (%d de %d blocos)"
	msgCompleting       = "Finalizando a gravação"
	msgCompleted        = "Gravação enviada com sucesso"
	msgEmptyRecording   = "Gravação vazia ou não encontrada"
	msgCancelled        = "Upload cancelado pelo usuário"
	msgChunkFailed      = "Falha ao enviar o bloco %d: %s"
	msgRetriesExhausted = "número máximo de tentativas excedido"
	msgChunkRejected    = "o servidor recusou o bloco"
	msgSessionFailed    = "Não foi possível iniciar a sessão de envio"
	msgCompleteFailed   = "Não foi possível finalizar a gravação"
	msgUploadFailed     = "Erro ao enviar a gravação"
)

// ErrEmptyRecording is returned when the recording does not exist or has no content.
var ErrEmptyRecording = errors.New("empty or missing recording")

// Error is returned when an upload fails. Message is suitable for display to the end user.
type Error struct {
	// Status is the stage the upload was in when it failed.
	Status  Status
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cancelled reports whether the upload was stopped by the caller.
func (e *Error) Cancelled() bool {
	return errors.Is(e.Err, chunkuploader.ErrAborted) || errors.Is(e.Err, context.Canceled)
}

func uploadError(stage Status, err error) *Error {
	var chunkErr *chunkuploader.ChunkError
	switch {
	case errors.Is(err, ErrEmptyRecording):
		return &Error{Status: stage, Message: msgEmptyRecording, Err: err}
	case errors.Is(err, chunkuploader.ErrAborted), errors.Is(err, context.Canceled):
		return &Error{Status: stage, Message: msgCancelled, Err: err}
	case errors.As(err, &chunkErr):
		reason := msgRetriesExhausted
		if chunkErr.Kind == chunkuploader.ResultFatal {
			reason = msgChunkRejected
		}
		return &Error{Status: stage, Message: fmt.Sprintf(msgChunkFailed, chunkErr.Index, reason), Err: err}
	}

	switch stage {
	case StatusInitializing:
		return &Error{Status: stage, Message: msgSessionFailed, Err: err}
	case StatusCompleting:
		return &Error{Status: stage, Message: msgCompleteFailed, Err: err}
	default:
		return &Error{Status: stage, Message: msgUploadFailed, Err: err}
	}
}
