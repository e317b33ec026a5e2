package credential

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yansir/kiroproxy/internal/idgen"
)

// idcAmzUserAgent is the fixed x-amz-user-agent value the IdC/SSO-OIDC token
// endpoint expects, reused verbatim across every IdC refresh call.
const idcAmzUserAgent = "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/browser#unknown_unknown api/sso-oidc#3.738.0 m/E KiroIDE"

const usageLimitsUAPrefix = "aws-sdk-js/1.0.0"

// HTTPRefresher is the production Refresher: it speaks the social and
// idc/builder-id refresh protocols and the usage-limits endpoint over the
// shared upstream HTTP client.
type HTTPRefresher struct {
	Client     *http.Client
	Region     string
	KiroVersion string
}

// NewHTTPRefresher builds a refresher bound to client for region.
func NewHTTPRefresher(client *http.Client, region, kiroVersion string) *HTTPRefresher {
	if kiroVersion == "" {
		kiroVersion = "0.1.0"
	}
	return &HTTPRefresher{Client: client, Region: region, KiroVersion: kiroVersion}
}

// MachineID returns the deterministic device fingerprint baked into refresh
// and upstream User-Agent headers: lowercase-hex SHA-256 of
// "KotlinNativeAPI/" + refreshToken.
func MachineID(refreshToken string) (string, bool) {
	if refreshToken == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte("KotlinNativeAPI/" + refreshToken))
	return hex.EncodeToString(sum[:]), true
}

type socialRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type socialRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	ExpiresIn    *int64 `json:"expiresIn,omitempty"`
}

type idcRefreshRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	RefreshToken string `json:"refreshToken"`
	GrantType    string `json:"grant_type"`
}

type idcRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    *int64 `json:"expiresIn,omitempty"`
}

// Refresh dispatches to the social or idc/builder-id refresh protocol based
// on cred.AuthMethod, returning a credential copy with renewed tokens.
func (r *HTTPRefresher) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	if err := ValidateRefreshToken(cred.RefreshToken); err != nil {
		return Credential{}, err
	}

	switch cred.AuthMethod {
	case AuthIDC, AuthBuilderID:
		return r.refreshIDC(ctx, cred)
	default:
		return r.refreshSocial(ctx, cred)
	}
}

func (r *HTTPRefresher) refreshSocial(ctx context.Context, cred Credential) (Credential, error) {
	machineID, ok := MachineID(cred.RefreshToken)
	if !ok {
		return Credential{}, fmt.Errorf("%w: cannot derive machine id", ErrInvalidCredential)
	}

	refreshURL := fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", r.Region)
	refreshDomain := fmt.Sprintf("prod.%s.auth.desktop.kiro.dev", r.Region)

	body, err := json.Marshal(socialRefreshRequest{RefreshToken: cred.RefreshToken})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("KiroIDE-%s-%s", r.KiroVersion, machineID))
	req.Header.Set("Accept-Encoding", "gzip, compress, deflate, br")
	req.Header.Set("Host", refreshDomain)
	req.Header.Set("Connection", "close")

	resp, err := r.Client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, refreshError(resp.StatusCode, respBody, "social")
	}

	var data socialRefreshResponse
	if err := json.Unmarshal(respBody, &data); err != nil {
		return Credential{}, fmt.Errorf("decode refresh response: %w", err)
	}

	out := cred
	out.AccessToken = data.AccessToken
	if data.RefreshToken != "" {
		out.RefreshToken = data.RefreshToken
	}
	if data.ProfileARN != "" {
		out.ProfileARN = data.ProfileARN
	}
	if data.ExpiresIn != nil {
		out.ExpiresAt = time.Now().Add(time.Duration(*data.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
	}
	return out, nil
}

func (r *HTTPRefresher) refreshIDC(ctx context.Context, cred Credential) (Credential, error) {
	if cred.ClientID == "" || cred.ClientSecret == "" {
		return Credential{}, fmt.Errorf("idc refresh requires clientId and clientSecret")
	}

	refreshURL := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", r.Region)
	host := fmt.Sprintf("oidc.%s.amazonaws.com", r.Region)

	body, err := json.Marshal(idcRefreshRequest{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		RefreshToken: cred.RefreshToken,
		GrantType:    "refresh_token",
	})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal idc refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("build idc refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Host", host)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("x-amz-user-agent", idcAmzUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "*")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("User-Agent", "node")
	req.Header.Set("Accept-Encoding", "br, gzip, deflate")

	resp, err := r.Client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("idc refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, refreshError(resp.StatusCode, respBody, "idc")
	}

	var data idcRefreshResponse
	if err := json.Unmarshal(respBody, &data); err != nil {
		return Credential{}, fmt.Errorf("decode idc refresh response: %w", err)
	}

	out := cred
	out.AccessToken = data.AccessToken
	if data.RefreshToken != "" {
		out.RefreshToken = data.RefreshToken
	}
	if data.ExpiresIn != nil {
		out.ExpiresAt = time.Now().Add(time.Duration(*data.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
	}
	return out, nil
}

// refreshError wraps a non-2xx refresh response, tagging it ErrInvalidCredential
// when the status/body matches the credential-invalidation predicate so the
// pool hard-disables rather than charges a retryable failure.
func refreshError(status int, body []byte, method string) error {
	text := string(body)
	err := fmt.Errorf("%s refresh failed: %d %s", method, status, strings.TrimSpace(text))
	if IsCredentialInvalid(status, text) {
		return fmt.Errorf("%w: %s", ErrInvalidCredential, err)
	}
	return err
}

// FetchUsage performs the best-effort getUsageLimits call, returning the
// metadata to cache against the credential. Callers must already hold a
// valid access token.
func (r *HTTPRefresher) FetchUsage(ctx context.Context, cred Credential) (Metadata, error) {
	if cred.AccessToken == "" {
		return Metadata{}, fmt.Errorf("no access token available for usage fetch")
	}

	machineID, ok := MachineID(cred.RefreshToken)
	if !ok {
		return Metadata{}, fmt.Errorf("cannot derive machine id")
	}

	host := fmt.Sprintf("q.%s.amazonaws.com", r.Region)
	reqURL := fmt.Sprintf("https://%s/getUsageLimits?origin=AI_EDITOR&resourceType=AGENTIC_REQUEST", host)
	if cred.ProfileARN != "" {
		reqURL += "&profileArn=" + url.QueryEscape(cred.ProfileARN)
	}

	userAgent := fmt.Sprintf(
		"aws-sdk-js/1.0.0 ua/2.1 os/darwin#24.6.0 lang/js md/nodejs#22.21.1 api/codewhispererruntime#1.0.0 m/N,E KiroIDE-%s-%s",
		r.KiroVersion, machineID,
	)
	amzUserAgent := fmt.Sprintf("%s KiroIDE-%s-%s", usageLimitsUAPrefix, r.KiroVersion, machineID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("x-amz-user-agent", amzUserAgent)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Host", host)
	req.Header.Set("amz-sdk-invocation-id", idgen.InvocationID())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Connection", "close")

	resp, err := r.Client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Metadata{}, fmt.Errorf("usage limits failed: %d %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var data struct {
		SubscriptionTitle string `json:"subscriptionTitle"`
		CurrentUsage      *int64 `json:"currentUsage"`
		UsageLimit        *int64 `json:"usageLimit"`
		Remaining         *int64 `json:"remaining"`
		NextResetAt       string `json:"nextResetAt"`
	}
	if err := json.Unmarshal(respBody, &data); err != nil {
		return Metadata{}, fmt.Errorf("decode usage response: %w", err)
	}

	return Metadata{
		SubscriptionTitle: data.SubscriptionTitle,
		CurrentUsage:      data.CurrentUsage,
		UsageLimit:        data.UsageLimit,
		Remaining:         data.Remaining,
		NextResetAt:       data.NextResetAt,
	}, nil
}
