package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/voice"
)

// Issuer fetches short-lived realtime credentials from the token service.
type Issuer struct {
	url    string
	apiKey string
	client *http.Client
	logger *zap.Logger
}

var _ voice.CredentialIssuer = (*Issuer)(nil)

// NewIssuer creates an Issuer for cfg.CredentialURL. A nil client uses one
// bounded by cfg.RequestTimeout.
func NewIssuer(cfg config.VoiceConfig, client *http.Client, logger *zap.Logger) *Issuer {
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Issuer{
		url:    cfg.CredentialURL,
		apiKey: cfg.APIKey,
		client: client,
		logger: logger.Named("credential_issuer"),
	}
}

type issueRequest struct {
	Purpose string `json:"purpose"`
}

// Issue implements voice.CredentialIssuer.
func (i *Issuer) Issue(ctx context.Context) (voice.Credential, error) {
	if i.url == "" {
		return voice.Credential{}, &voice.Error{Reason: voice.ReasonCredential, Err: errors.New("no credential endpoint configured")}
	}

	body, err := json.Marshal(issueRequest{Purpose: "realtime"})
	if err != nil {
		return voice.Credential{}, fmt.Errorf("failed to encode credential request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.url, bytes.NewReader(body))
	if err != nil {
		return voice.Credential{}, &voice.Error{Reason: voice.ReasonNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if i.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+i.apiKey)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return voice.Credential{}, &voice.Error{Reason: voice.ReasonNetwork, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return voice.Credential{}, &voice.Error{Reason: voice.ReasonCredential, Err: fmt.Errorf("token service refused: %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		i.logger.Warn("Token service returned an error.",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet))
		return voice.Credential{}, &voice.Error{Reason: voice.ReasonNetwork, Err: fmt.Errorf("token service returned %s", resp.Status)}
	}

	var cred voice.Credential
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&cred); err != nil {
		return voice.Credential{}, &voice.Error{Reason: voice.ReasonNetwork, Err: fmt.Errorf("malformed token response: %w", err)}
	}
	if cred.Token == "" {
		return voice.Credential{}, &voice.Error{Reason: voice.ReasonCredential, Err: errors.New("token service returned an empty token")}
	}
	return cred, nil
}
