package google

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"calsync/internal/connector"
	"calsync/internal/models"
	"calsync/internal/tz"
)

// DefaultCredentialsFile is read when no client id/secret is configured.
const DefaultCredentialsFile = "credentials.json"

// loopbackRedirect is used for the installed-app flow; the user copies the
// code parameter from the redirected URL.
const loopbackRedirect = "http://127.0.0.1"

// OAuthConfig returns the OAuth2 config for the calendar scope. Explicit
// client credentials win over a credentials file.
func OAuthConfig(clientID, clientSecret, credentialsFile string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  loopbackRedirect,
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	if credentialsFile == "" {
		credentialsFile = DefaultCredentialsFile
	}
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or a credentials file", credentialsFile)
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = loopbackRedirect
	return config, nil
}

// Exchange trades an authorization code for account credentials.
func Exchange(ctx context.Context, config *oauth2.Config, authCode string) (models.Credentials, error) {
	token, err := config.Exchange(ctx, authCode)
	if err != nil {
		return models.Credentials{}, fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return credentialsFromToken(models.Credentials{}, token), nil
}

// Refresher returns a refresh function that redeems the stored refresh token.
// A rejected grant is final and reported as AuthExpired.
func Refresher(config *oauth2.Config) connector.RefreshFunc {
	return func(ctx context.Context, account models.CalendarAccount) (models.Credentials, error) {
		if config == nil || account.Credentials.RefreshToken == "" {
			return models.Credentials{}, connector.NewError(connector.KindAuthExpired, "refresh", errors.New("no refresh token"))
		}
		src := config.TokenSource(ctx, &oauth2.Token{RefreshToken: account.Credentials.RefreshToken})
		token, err := src.Token()
		if err != nil {
			var rerr *oauth2.RetrieveError
			if errors.As(err, &rerr) {
				return models.Credentials{}, connector.NewError(connector.KindAuthExpired, "refresh", err)
			}
			return models.Credentials{}, connector.NewError(connector.KindTransient, "refresh", err)
		}
		return credentialsFromToken(account.Credentials, token), nil
	}
}

func credentialsFromToken(prev models.Credentials, token *oauth2.Token) models.Credentials {
	creds := prev
	creds.AccessToken = token.AccessToken
	creds.Expiry = token.Expiry
	if token.RefreshToken != "" {
		creds.RefreshToken = token.RefreshToken
	}
	return creds
}

// Register installs the Google builder and refresher on the registry.
func Register(reg *connector.Registry, config *oauth2.Config, norm *tz.Normalizer, logger *slog.Logger) {
	reg.Register(models.ProviderGoogle, func(ctx context.Context, account models.CalendarAccount) (connector.Connector, error) {
		n := norm
		if account.TimeZone != "" {
			var err error
			if n, err = tz.NewNormalizer(account.TimeZone); err != nil {
				return nil, err
			}
		}
		return NewConnector(ctx, account, Options{Normalizer: n, Logger: logger, Now: time.Now})
	}, Refresher(config))
}
