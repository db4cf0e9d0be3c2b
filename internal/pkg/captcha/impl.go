// Package captcha verifies reCAPTCHA tokens before a player may enter the
// matchmaking pool.
package captcha

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/samber/do/v2"
	"go.uber.org/zap"
)

const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

type Verifier interface {
	Verify(ctx context.Context, address string, token string) bool
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

type CaptchaService struct {
	Enabled bool
	Secret  string
	URL     string
	Logger  *zap.Logger

	client *resty.Client
}

func NewCaptchaService(i do.Injector) (Verifier, error) {
	return New(
		do.MustInvokeNamed[bool](i, "captcha-enabled"),
		do.MustInvokeNamed[string](i, "captcha-secret"),
		do.MustInvokeNamed[string](i, "captcha-url"),
		do.MustInvoke[*zap.Logger](i),
	), nil
}

func New(enabled bool, secret string, url string, logger *zap.Logger) *CaptchaService {
	if url == "" {
		url = DefaultVerifyURL
	}

	return &CaptchaService{
		Enabled: enabled,
		Secret:  secret,
		URL:     url,
		Logger:  logger,
		client:  resty.New().SetTimeout(10 * time.Second), //nolint:mnd
	}
}

// Verify reports whether the token is valid for address. Any transport or
// decoding failure counts as a failed verification.
func (s *CaptchaService) Verify(ctx context.Context, address string, token string) bool {
	if !s.Enabled {
		return true
	}

	var result verifyResponse

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"secret":   s.Secret,
			"response": token,
			"remoteip": address,
		}).
		SetResult(&result).
		Post(s.URL)
	if err != nil {
		s.Logger.Warn("captcha verification failed", zap.Error(err))

		return false
	}

	if resp.IsError() {
		s.Logger.Warn("captcha verification rejected", zap.String("status", resp.Status()))

		return false
	}

	if !result.Success {
		s.Logger.Debug("captcha token invalid", zap.Strings("error_codes", result.ErrorCodes))
	}

	return result.Success
}
