// Package auth handles the Google OAuth2 flow: loading client
// credentials, caching tokens, and the one-time browser authorization
// with a localhost redirect capture.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/tasks/v1"
)

// LocalhostAuthPort is where the local web server listens to capture the
// OAuth redirect. The redirect URI registered in the Google Cloud Console
// must use the same port.
const LocalhostAuthPort = "6789"

// Scopes are the Google API scopes the sync needs: full read/write access
// to the user's task lists and tasks.
var Scopes = []string{tasks.TasksScope}

// Settings locates the credential and token files. Both paths come from
// configuration; this package never guesses locations.
type Settings struct {
	CredentialsFile string
	TokenFile       string
}

// Config builds the oauth2.Config from the downloaded client secrets
// file, forcing the redirect onto our localhost capture port.
func (s Settings) Config() (*oauth2.Config, error) {
	b, err := os.ReadFile(s.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read client secrets %s: %w", s.CredentialsFile, err)
	}

	cfg, err := google.ConfigFromJSON(b, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}

	redirect := fmt.Sprintf("http://localhost:%s/oauth2callback", LocalhostAuthPort)
	if u, err := url.Parse(cfg.RedirectURL); err == nil && (u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1") {
		u.Host = net.JoinHostPort(u.Hostname(), LocalhostAuthPort)
		redirect = u.String()
	}
	cfg.RedirectURL = redirect
	return cfg, nil
}

// Client returns an authenticated *http.Client, refreshing the cached
// token transparently. It fails rather than starting an interactive flow;
// run Authenticate first.
func (s Settings) Client(ctx context.Context) (*http.Client, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}

	tok, err := tokenFromFile(s.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("no cached token at %s (run the auth command first): %w", s.TokenFile, err)
	}

	src := cfg.TokenSource(ctx, tok)
	return oauth2.NewClient(ctx, &savingSource{src: src, path: s.TokenFile, last: tok}), nil
}

// Authenticate runs the full browser authorization flow and caches the
// resulting token. It is the interactive counterpart of Client.
func (s Settings) Authenticate(ctx context.Context) error {
	cfg, err := s.Config()
	if err != nil {
		return err
	}
	tok, err := tokenFromWeb(ctx, cfg)
	if err != nil {
		return err
	}
	return saveToken(s.TokenFile, tok)
}

// savingSource persists the token whenever a refresh changes it, so the
// cached file always holds the latest refresh token.
type savingSource struct {
	src  oauth2.TokenSource
	path string
	last *oauth2.Token
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != s.last.AccessToken || tok.RefreshToken != s.last.RefreshToken {
		s.last = tok
		if err := saveToken(s.path, tok); err != nil {
			return nil, err
		}
	}
	return tok, nil
}

// tokenFromWeb runs the authorization code flow via a local web server:
// print the consent URL, capture the redirect, exchange the code.
func tokenFromWeb(ctx context.Context, cfg *oauth2.Config) (*oauth2.Token, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	listener, err := net.Listen("tcp", ":"+LocalhostAuthPort)
	if err != nil {
		return nil, fmt.Errorf("listen on port %s: %w", LocalhostAuthPort, err)
	}
	defer listener.Close()

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := r.URL.Query().Get("code")
			if code == "" {
				http.Error(w, "authorization code not found", http.StatusBadRequest)
				errCh <- fmt.Errorf("authorization code missing from redirect")
				return
			}
			fmt.Fprint(w, "Authentication successful! You can close this window.")
			codeCh <- code
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	defer server.Shutdown(context.Background())

	// AccessTypeOffline is required for a refresh token.
	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Printf("Open the following URL in your browser to authorize access to Google Tasks:\n\n  %s\n\nWaiting for authorization...\n", authURL)

	select {
	case code := <-codeCh:
		exCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		tok, err := cfg.Exchange(exCtx, code)
		if err != nil {
			return nil, fmt.Errorf("exchange authorization code: %w", err)
		}
		return tok, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, fmt.Errorf("authorization timed out")
	}
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token file %s: %w", path, err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write token file %s: %w", path, err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	return nil
}
