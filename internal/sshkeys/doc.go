// Package sshkeys builds the host key verification callback used when the
// gateway dials SSH hosts.
//
// Three policies are supported:
//
//   - [PolicyTrust]: trust-on-first-use, any host key is accepted. This is
//     the default and matches what operators of lab equipment expect.
//   - [PolicyVerify]: keys must match an OpenSSH known_hosts file.
//   - [PolicyPin]: keys must match one of a configured list of SHA256
//     fingerprints.
//
// Every accepted or rejected key is logged with the [sshkeys] prefix and its
// SHA256 fingerprint.
package sshkeys
