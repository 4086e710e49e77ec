package signer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"digitalvault/pkg/models"
)

// ConfirmFunc asks the holder of the identity to approve a signature.
type ConfirmFunc func(ctx context.Context, identity string, message []byte) (bool, error)

// ConfirmingSigner gates every signature behind an approval prompt.
type ConfirmingSigner struct {
	inner   Signer
	confirm ConfirmFunc
}

func NewConfirmingSigner(inner Signer, confirm ConfirmFunc) *ConfirmingSigner {
	return &ConfirmingSigner{inner: inner, confirm: confirm}
}

func (s *ConfirmingSigner) Identity() string {
	return s.inner.Identity()
}

func (s *ConfirmingSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	ok, err := s.confirm(ctx, s.inner.Identity(), message)
	if err != nil {
		return nil, models.NewError(models.ErrCodeSignerUnavailable, "approval prompt failed", err)
	}
	if !ok {
		return nil, models.Errorf(models.ErrCodeUserDeclined, "signature request declined")
	}
	return s.inner.Sign(ctx, message)
}

// TerminalConfirm prompts on out and reads a y/N answer from in.
func TerminalConfirm(in io.Reader, out io.Writer) ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, identity string, message []byte) (bool, error) {
		fmt.Fprintf(out, "Signature requested for %s\n  message: %q\nApprove? [y/N]: ", identity, message)

		type answer struct {
			line string
			err  error
		}
		ch := make(chan answer, 1)
		go func() {
			line, err := reader.ReadString('\n')
			ch <- answer{line, err}
		}()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case a := <-ch:
			if a.err != nil && a.err != io.EOF {
				return false, a.err
			}
			switch strings.ToLower(strings.TrimSpace(a.line)) {
			case "y", "yes":
				return true, nil
			}
			return false, nil
		}
	}
}
