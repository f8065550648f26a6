package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/netmapper/fabric/internal/domain/model"
	"github.com/netmapper/fabric/internal/statefile"
)

// semver is the vX.Y.Z triple from the release channel.
type semver struct {
	Major, Minor, Patch int
}

func parseSemver(s string) (semver, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "v"))
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return semver{}, fmt.Errorf("malformed version %q", s)
	}
	var v semver
	for i, dst := range []*int{&v.Major, &v.Minor, &v.Patch} {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return semver{}, fmt.Errorf("malformed version %q: %w", s, err)
		}
		*dst = n
	}
	return v, nil
}

func (v semver) newerThan(o semver) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	return v.Patch > o.Patch
}

func (v semver) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// upgradePriority weighs the jump: major releases shout, patches whisper.
func upgradePriority(current, next semver) model.Priority {
	switch {
	case next.Major > current.Major:
		return model.PriorityHigh
	case next.Minor > current.Minor:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

type versionState struct {
	LastNotified string    `json:"last_notified_version"`
	CheckedAt    time.Time `json:"checked_at"`
}

// VersionChecker polls the release channel's plain-text VERSION file and
// emits one SYSTEM_STATUS event per newly-seen release. The URL is read per
// check so it can be changed, or the check disabled, at runtime.
type VersionChecker struct {
	current semver
	url     func() string
	client  *http.Client
	state   *statefile.File
	logger  *slog.Logger
}

func NewVersionChecker(currentVersion string, url func() string, state *statefile.File, logger *slog.Logger) (*VersionChecker, error) {
	current, err := parseSemver(currentVersion)
	if err != nil {
		return nil, err
	}
	return &VersionChecker{
		current: current,
		url:     url,
		client:  &http.Client{Timeout: 15 * time.Second},
		state:   state,
		logger:  logger,
	}, nil
}

// Check fetches and compares; nil event means nothing new.
func (c *VersionChecker) Check(ctx context.Context) (*model.NotificationEvent, error) {
	url := ""
	if c.url != nil {
		url = c.url()
	}
	if url == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch version file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("version file returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return nil, err
	}

	latest, err := parseSemver(string(raw))
	if err != nil {
		return nil, err
	}
	if !latest.newerThan(c.current) {
		return nil, nil
	}

	var st versionState
	if err := c.state.Load(&st); err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if st.LastNotified == latest.String() {
		return nil, nil
	}

	ev := model.NewEvent(model.TypeSystemStatus, upgradePriority(c.current, latest),
		fmt.Sprintf("Update available: %s", latest),
		fmt.Sprintf("Cartographer %s is available (you are running %s).", latest, c.current))
	ev.Details = map[string]any{
		"current_version": c.current.String(),
		"latest_version":  latest.String(),
	}

	st.LastNotified = latest.String()
	st.CheckedAt = time.Now().UTC()
	if err := c.state.Save(st); err != nil {
		return nil, err
	}
	return ev, nil
}
