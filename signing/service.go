package signing

import (
	"context"

	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/logger"
	"github.com/trellisfw/target-helper/store"
)

// Service signs documents in the store at most once per signature type
type Service struct {
	client  store.Client
	signer  *Signer
	sigType string
	trusted []string
	logger  *zap.SugaredLogger
}

// NewService creates a signing service writing signatures of sigType
func NewService(client store.Client, signer *Signer, sigType string, trusted []string, log *zap.SugaredLogger) *Service {
	return &Service{
		client:  client,
		signer:  signer,
		sigType: sigType,
		trusted: trusted,
		logger:  log.Named("signing"),
	}
}

// Type is the signature type this service applies
func (s *Service) Type() string {
	return s.sigType
}

// DID is the signer identity
func (s *Service) DID() string {
	return s.signer.DID
}

// SignResource signs the document at path unless it already carries a
// signature of the service's type anywhere in its chain. Only the
// signatures array is written back. It reports whether a signature was added.
func (s *Service) SignResource(ctx context.Context, path string) (bool, error) {
	doc, err := store.GetObject(ctx, s.client, path)
	if err != nil {
		return false, errors.Mark(errors.Wrapf(err, "fetch %s for signing", path), errors.ErrDocumentFetch)
	}

	v, err := Verify(doc, s.trusted)
	if err != nil {
		return false, errors.Mark(errors.Wrapf(err, "verify %s", path), errors.ErrSignatureApplication)
	}
	if HasType(v, s.sigType) {
		s.logger.Debugw("already signed", logger.FieldPath, path, "signature_type", s.sigType)
		return false, nil
	}
	if v != nil && !v.Unchanged {
		s.logger.Warnw("document changed since its last signature", logger.FieldPath, path, "kid", v.Kid)
	}

	signed, err := s.signer.Sign(doc, s.sigType)
	if err != nil {
		return false, errors.Mark(errors.Wrapf(err, "sign %s", path), errors.ErrSignatureApplication)
	}
	patch := map[string]interface{}{SignaturesKey: signed[SignaturesKey]}
	if _, err := s.client.Put(ctx, path, patch); err != nil {
		return false, errors.Mark(errors.Wrapf(err, "write signature to %s", path), errors.ErrSignatureApplication)
	}

	s.logger.Infow("signed", logger.FieldPath, path, "signature_type", s.sigType)
	return true, nil
}

// VerifyResource fetches and verifies the document at path
func (s *Service) VerifyResource(ctx context.Context, path string) (*Verification, error) {
	doc, err := store.GetObject(ctx, s.client, path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "fetch %s", path), errors.ErrDocumentFetch)
	}
	return Verify(doc, s.trusted)
}
