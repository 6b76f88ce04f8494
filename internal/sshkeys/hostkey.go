package sshkeys

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/gluk-w/webterm/internal/logutil"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Policy names a host key verification strategy.
type Policy string

const (
	PolicyTrust  Policy = "trust"
	PolicyVerify Policy = "verify"
	PolicyPin    Policy = "pin"
)

// ParsePolicy maps a config value to a Policy. Empty means PolicyTrust.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyTrust, nil
	case PolicyTrust, PolicyVerify, PolicyPin:
		return p, nil
	default:
		return "", fmt.Errorf("unknown host key policy %q (want trust, verify or pin)", s)
	}
}

// HostKeyError is returned by the callback when a presented key is rejected.
type HostKeyError struct {
	Host        string
	Fingerprint string
	Reason      string
}

func (e *HostKeyError) Error() string {
	return fmt.Sprintf("host key rejected for %s (%s): %s", e.Host, e.Fingerprint, e.Reason)
}

// Options configures NewHostKeyCallback.
type Options struct {
	Policy         Policy
	KnownHostsPath string   // PolicyVerify
	Fingerprints   []string // PolicyPin, "SHA256:..." form
}

// NewHostKeyCallback returns an ssh.HostKeyCallback implementing opts.Policy.
func NewHostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	switch opts.Policy {
	case "", PolicyTrust:
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			log.Printf("[sshkeys] trusting host key for %s: %s",
				logutil.SanitizeForLog(hostname), ssh.FingerprintSHA256(key))
			return nil
		}, nil

	case PolicyVerify:
		if opts.KnownHostsPath == "" {
			return nil, errors.New("verify policy requires a known_hosts path")
		}
		matcher, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := matcher(hostname, remote, key)
			if err == nil {
				return nil
			}
			fp := ssh.FingerprintSHA256(key)
			var kerr *knownhosts.KeyError
			if errors.As(err, &kerr) {
				reason := "host key mismatch"
				if len(kerr.Want) == 0 {
					reason = "unknown host"
				}
				log.Printf("[sshkeys] rejecting %s: %s (%s)", logutil.SanitizeForLog(hostname), reason, fp)
				return &HostKeyError{Host: hostname, Fingerprint: fp, Reason: reason}
			}
			return err
		}, nil

	case PolicyPin:
		pins := make(map[string]bool, len(opts.Fingerprints))
		for _, fp := range opts.Fingerprints {
			fp = strings.TrimSpace(fp)
			if fp == "" {
				continue
			}
			if !strings.HasPrefix(fp, "SHA256:") {
				fp = "SHA256:" + fp
			}
			pins[fp] = true
		}
		if len(pins) == 0 {
			return nil, errors.New("pin policy requires at least one fingerprint")
		}
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			fp := ssh.FingerprintSHA256(key)
			if pins[fp] {
				return nil
			}
			log.Printf("[sshkeys] rejecting %s: fingerprint %s is not pinned", logutil.SanitizeForLog(hostname), fp)
			return &HostKeyError{Host: hostname, Fingerprint: fp, Reason: "fingerprint not pinned"}
		}, nil

	default:
		return nil, fmt.Errorf("unknown host key policy %q", opts.Policy)
	}
}
