package cudriver

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestResultString(t *testing.T) {
	require.Equal(t, "CUDA_SUCCESS", Success.String())
	require.Equal(t, "CUDA_ERROR_OUT_OF_MEMORY", ErrorOutOfMemory.String())
	require.Equal(t, "CUresult(12345)", Result(12345).String())
}

func TestError(t *testing.T) {
	err := &Error{Call: "cuMemCreate", Code: ErrorOutOfMemory}
	require.Equal(t, "cuMemCreate failed with CUDA_ERROR_OUT_OF_MEMORY", err.Error())

	err = &Error{Call: "cuMemMap", Code: ErrorInvalidValue, Detail: "invalid argument"}
	require.Equal(t, "cuMemMap failed with CUDA_ERROR_INVALID_VALUE: invalid argument", err.Error())
}

func TestErrorCode(t *testing.T) {
	drvErr := &Error{Call: "cuMemCreate", Code: ErrorOutOfMemory}
	wrapped := errors.WithMessage(drvErr, "while creating chunk 3")

	code, ok := ErrorCode(wrapped)
	require.True(t, ok)
	require.Equal(t, ErrorOutOfMemory, code)

	_, ok = ErrorCode(errors.New("not a driver error"))
	require.False(t, ok)

	_, ok = ErrorCode(nil)
	require.False(t, ok)
}
