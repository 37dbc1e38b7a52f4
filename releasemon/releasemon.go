// Package releasemon polls for the latest published release.
package releasemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Release struct {
	HtmlUrl string `json:"html_url"`
	TagName string `json:"tag_name"`
}

type ReleaseInfo struct {
	Release Release
	Error   error
}

// LatestReleaseURL is the GitHub API endpoint of a project's latest release.
func LatestReleaseURL(owner string, project string) string {
	return fmt.Sprintf("https://api.github.com/repos/%s/%s/releases/latest", owner, project)
}

// IsNewer reports whether tag names a release other than version. Both may
// carry a leading "v".
func IsNewer(version string, tag string) bool {
	if tag == "" {
		return false
	}
	return strings.TrimPrefix(version, "v") != strings.TrimPrefix(tag, "v")
}

func getLatestRelease(ctx context.Context, client *http.Client, url string) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "requesting latest release")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("requesting latest release: %s", resp.Status)
	}

	release := &Release{}
	if err := json.NewDecoder(resp.Body).Decode(release); err != nil {
		return nil, errors.Wrap(err, "decoding latest release")
	}

	return release, nil
}

type ReleaseMon struct {
	channel chan ReleaseInfo
}

// ReleaseMonNew checks url every interval, and again after retry when a
// check failed. The channel is closed when ctx is done.
func ReleaseMonNew(ctx context.Context, client *http.Client, url string, interval time.Duration, retry time.Duration) *ReleaseMon {
	mon := &ReleaseMon{
		channel: make(chan ReleaseInfo),
	}

	go func() {
		defer close(mon.channel)

		for {
			timeout := interval

			var info ReleaseInfo
			release, err := getLatestRelease(ctx, client, url)
			if err != nil {
				timeout = retry
				info.Error = err
			} else {
				log.Debug().Str("version", release.TagName).Str("url", release.HtmlUrl).Msg("latest release")
				info.Release = *release
			}

			select {
			case <-ctx.Done():
				return
			case mon.channel <- info:
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(timeout):
			}
		}
	}()

	return mon
}

func (m *ReleaseMon) ReleaseChan() <-chan ReleaseInfo {
	return m.channel
}
