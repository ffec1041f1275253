/*
plug-controller - Power monitoring smart plug controller
Copyright (C) 2025, The plug-controller Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

var errNoUpdateURL = errors.New("update manifest has no update_file_url")

type updateManifest struct {
	Version string `json:"version"`
	URL     string `json:"update_file_url"`
}

// UpdateChecker polls a manifest and installs a newer build for the service
// to restart on.
type UpdateChecker struct {
	conf    UpdateConfig
	current string
	client  *http.Client
}

func NewUpdateChecker(conf UpdateConfig, currentVersion string) *UpdateChecker {
	return &UpdateChecker{
		conf:    conf,
		current: currentVersion,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Run checks straight away and then every interval until ctx is done.
// After installing it calls stop so the wake ends and the service restarts.
func (u *UpdateChecker) Run(ctx context.Context, stop context.CancelCauseFunc) {
	for {
		installed, err := u.Check(ctx)
		if err != nil {
			log.Warn("Update check failed: ", err)
		}
		if installed {
			log.Info("Update installed, restarting")
			stop(errUpdateInstalled)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(u.conf.Interval):
		}
	}
}

// Check returns true if a newer build was installed.
func (u *UpdateChecker) Check(ctx context.Context) (bool, error) {
	log.Debug("Checking for updates")
	m, err := u.fetchManifest(ctx)
	if err != nil {
		return false, err
	}

	latest := canonicalVersion(m.Version)
	current := canonicalVersion(u.current)
	if !semver.IsValid(latest) {
		return false, fmt.Errorf("invalid version in manifest: '%s'", m.Version)
	}
	if !semver.IsValid(current) {
		log.Debugf("Running version '%s' is not comparable, not updating", u.current)
		return false, nil
	}
	if semver.Compare(latest, current) <= 0 {
		log.Debugf("Up to date. Latest version: %s", m.Version)
		return false, nil
	}

	log.Infof("New version: %s (current: %s)", m.Version, u.current)
	url := strings.TrimSpace(m.URL)
	if url == "" {
		return false, errNoUpdateURL
	}
	if err := u.install(ctx, url); err != nil {
		return false, err
	}
	return true, nil
}

func (u *UpdateChecker) fetchManifest(ctx context.Context) (*updateManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(u.conf.ManifestURL), nil)
	if err != nil {
		return nil, err
	}
	if u.conf.Token != "" {
		req.Header.Set("Authorization", "token "+u.conf.Token)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest request returned %s", resp.Status)
	}
	m := &updateManifest{}
	if err := json.NewDecoder(resp.Body).Decode(m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return m, nil
}

// install downloads the new binary next to the installed one and renames it
// over the top.
func (u *UpdateChecker) install(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if u.conf.Token != "" {
		req.SetBasicAuth("token", u.conf.Token)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("update download returned %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(u.conf.InstallPath), ".plug-controller-update-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to download update: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0755); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), u.conf.InstallPath)
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
