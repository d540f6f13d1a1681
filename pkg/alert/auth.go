package alert

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/supporttools/log-sentinel/pkg/types"
)

// AuthProvider adds credentials to webhook requests.
type AuthProvider interface {
	AddAuth(req *http.Request) error
	Type() string
}

type noAuth struct{}

func (noAuth) AddAuth(*http.Request) error { return nil }
func (noAuth) Type() string                { return "none" }

type bearerAuth struct {
	token string
}

func (p bearerAuth) AddAuth(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+p.token)
	return nil
}

func (p bearerAuth) Type() string { return "bearer" }

type basicAuth struct {
	username string
	password string
}

func (p basicAuth) AddAuth(req *http.Request) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(p.username + ":" + p.password))
	req.Header.Set("Authorization", "Basic "+encoded)
	return nil
}

func (p basicAuth) Type() string { return "basic" }

// NewAuthProvider creates the provider for config.
func NewAuthProvider(config types.AuthConfig) (AuthProvider, error) {
	switch config.Type {
	case "none", "":
		return noAuth{}, nil

	case "bearer":
		if config.Token == "" {
			return nil, fmt.Errorf("bearer token is required for bearer auth")
		}
		if strings.ContainsAny(config.Token, "\r\n") {
			return nil, fmt.Errorf("bearer token contains invalid characters")
		}
		return bearerAuth{token: config.Token}, nil

	case "basic":
		if config.Username == "" {
			return nil, fmt.Errorf("username is required for basic auth")
		}
		if config.Password == "" {
			return nil, fmt.Errorf("password is required for basic auth")
		}
		if strings.ContainsAny(config.Username, ":\r\n") {
			return nil, fmt.Errorf("username contains invalid characters")
		}
		if strings.ContainsAny(config.Password, "\r\n") {
			return nil, fmt.Errorf("password contains invalid characters")
		}
		return basicAuth{username: config.Username, password: config.Password}, nil

	default:
		return nil, fmt.Errorf("unsupported auth type: %s", config.Type)
	}
}
