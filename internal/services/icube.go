package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/icube-dev/traego/internal/auth"
	"github.com/icube-dev/traego/internal/trace"
	"github.com/icube-dev/traego/internal/transport"
)

// DeviceInfo identifies the installation to the iCube endpoints.
type DeviceInfo struct {
	MachineID string
	DeviceID  string
	UserID    string
	Region    string
	Platform  string
	Arch      string
}

func (d DeviceInfo) query() url.Values {
	region := d.Region
	if region == "" {
		region = "CN"
	}
	platform := d.Platform
	if platform == "" {
		platform = "Mac"
	}
	arch := d.Arch
	if arch == "" {
		arch = "arm64"
	}
	return url.Values{
		"mid":             {d.MachineID},
		"did":             {d.DeviceID},
		"uid":             {d.UserID},
		"userRegion":      {region},
		"packageType":     {"stable_cn"},
		"platform":        {platform},
		"arch":            {arch},
		"tenant":          {"marscode"},
		"appVersion":      {"3.3.11"},
		"buildVersion":    {"1.0.27213"},
		"traeVersionCode": {"20250325"},
	}
}

// Profile is the cloud-side user record.
type Profile struct {
	UserID     string `json:"UserID"`
	ScreenName string `json:"ScreenName"`
	Email      string `json:"Email"`
	AvatarURL  string `json:"AvatarUrl"`
	Region     string `json:"Region"`
	AIRegion   string `json:"AIRegion"`
	TenantID   string `json:"TenantID"`
}

// Agent is one entry of the agent catalog.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ICube wraps the platform endpoints: native config, release notes,
// user info, update checks and the agent catalog.
type ICube struct {
	tp   *transport.Transport
	auth *auth.Manager
}

// NewICube creates the platform service.
func NewICube(tp *transport.Transport, am *auth.Manager) *ICube {
	return &ICube{tp: tp, auth: am}
}

// NativeConfig fetches the native client configuration.
func (s *ICube) NativeConfig(ctx context.Context, dev DeviceInfo) (json.RawMessage, error) {
	env, err := s.tp.Execute(ctx, transport.Request{
		Method: "GET",
		Path:   "/icube/api/v1/native/config/query",
		Query:  dev.query(),
		Kind:   trace.KindICube,
	})
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

// ReleaseNotes fetches release notes for a client version.
func (s *ICube) ReleaseNotes(ctx context.Context, version, language string) (json.RawMessage, error) {
	if language == "" {
		language = "zh-cn"
	}
	env, err := s.tp.Execute(ctx, transport.Request{
		Method: "GET",
		Path:   "/icube/api/v1/release/note",
		Query: url.Values{
			"v":        {version},
			"pkg":      {"stable_cn"},
			"language": {language},
			"platform": {"Mac"},
			"arch":     {"arm64"},
		},
		Kind: trace.KindICube,
	})
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

// UserInfo fetches the authenticated user's profile and records the
// identity on the auth manager.
func (s *ICube) UserInfo(ctx context.Context) (*Profile, error) {
	env, err := s.tp.Execute(ctx, transport.Request{
		Method: "GET",
		Path:   "/cloudide/api/v3/trae/GetUserInfo",
		Kind:   trace.KindUser,
	})
	if err != nil {
		return nil, err
	}

	var profile Profile
	if err := env.Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}

	s.auth.SetIdentity(&auth.Identity{
		UserID:     profile.UserID,
		ScreenName: profile.ScreenName,
		Email:      profile.Email,
		Region:     profile.Region,
	})
	return &profile, nil
}

// UserData fetches the raw user data blob.
func (s *ICube) UserData(ctx context.Context) (json.RawMessage, error) {
	env, err := s.tp.Execute(ctx, transport.Request{
		Method: "GET",
		Path:   "/icube/api/v1/user",
		Kind:   trace.KindUser,
	})
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

// ControlURL fetches the latest control endpoint.
func (s *ICube) ControlURL(ctx context.Context) (string, error) {
	env, err := s.tp.Execute(ctx, transport.Request{
		Method: "GET",
		Path:   "/icube/api/v1/control-url/latest",
		Kind:   trace.KindICube,
	})
	if err != nil {
		return "", err
	}
	var payload struct {
		URL        string `json:"url"`
		ControlURL string `json:"control_url"`
	}
	if err := env.Decode(&payload); err != nil {
		return "", fmt.Errorf("decode control url: %w", err)
	}
	if payload.URL != "" {
		return payload.URL, nil
	}
	return payload.ControlURL, nil
}

// CheckUpdate asks whether a newer client build is available.
func (s *ICube) CheckUpdate(ctx context.Context, dev DeviceInfo) (json.RawMessage, error) {
	q := dev.query()
	q.Set("pid", "7409949320595642651")
	q.Set("branch", "release_desktop_yoma_cn")

	env, err := s.tp.Execute(ctx, transport.Request{
		Method: "GET",
		Path:   "/icube/api/v1/package/check_update",
		Query:  q,
		Kind:   trace.KindICube,
	})
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

// AgentList fetches the available agents.
func (s *ICube) AgentList(ctx context.Context) ([]Agent, error) {
	env, err := s.tp.Execute(ctx, transport.Request{
		Method: "POST",
		Path:   "/agent/list",
		Kind:   trace.KindAgent,
	})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Agents []Agent `json:"agents"`
	}
	if err := env.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode agent list: %w", err)
	}
	return payload.Agents, nil
}
