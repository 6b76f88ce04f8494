// Package devices is the device directory consulted by the terminal gateway:
// it resolves a stored device to a connection target and seeds devices from
// the command line or a YAML file.
package devices

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/gluk-w/webterm/internal/crypto"
	"github.com/gluk-w/webterm/internal/database"
	"github.com/gluk-w/webterm/internal/logutil"
	"github.com/gluk-w/webterm/internal/sshterminal"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("device not found")

// Spec is a device as written in an import file or on the command line.
type Spec struct {
	Name        string `yaml:"name"`
	Protocol    string `yaml:"protocol"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Description string `yaml:"description"`
}

func (s Spec) validate() (sshterminal.Protocol, error) {
	if strings.TrimSpace(s.Name) == "" {
		return "", errors.New("device name is required")
	}
	if strings.TrimSpace(s.Host) == "" {
		return "", fmt.Errorf("device %q: host is required", s.Name)
	}
	if s.Port < 0 || s.Port > 65535 {
		return "", fmt.Errorf("device %q: invalid port %d", s.Name, s.Port)
	}
	proto := s.Protocol
	if proto == "" {
		proto = string(sshterminal.ProtocolSSH)
	}
	p, err := sshterminal.ParseProtocol(proto)
	if err != nil {
		return "", fmt.Errorf("device %q: %w", s.Name, err)
	}
	return p, nil
}

// File is the top-level layout of a device import file:
//
//	devices:
//	  - name: core-switch
//	    protocol: telnet
//	    host: 10.0.0.2
type File struct {
	Devices []Spec `yaml:"devices"`
}

// Add stores spec, replacing any device with the same name. The password is
// encrypted before it reaches the database.
func Add(spec Spec) (*database.Device, error) {
	proto, err := spec.validate()
	if err != nil {
		return nil, err
	}
	encrypted, err := crypto.Encrypt(spec.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt password for %q: %w", spec.Name, err)
	}
	d := &database.Device{
		Name:              strings.TrimSpace(spec.Name),
		Protocol:          string(proto),
		Host:              strings.TrimSpace(spec.Host),
		Port:              spec.Port,
		Username:          spec.Username,
		EncryptedPassword: encrypted,
		Description:       spec.Description,
	}
	if err := database.SaveDevice(d); err != nil {
		return nil, fmt.Errorf("save device %q: %w", spec.Name, err)
	}
	log.Printf("[devices] saved device %s (%s %s)", logutil.SanitizeForLog(d.Name), d.Protocol, logutil.SanitizeForLog(d.Host))
	return d, nil
}

// Import reads a YAML device file from r and stores every entry. It stops at
// the first invalid entry and returns how many were saved before it.
func Import(r io.Reader) (int, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("parse device file: %w", err)
	}
	for i, spec := range f.Devices {
		if _, err := Add(spec); err != nil {
			return i, err
		}
	}
	return len(f.Devices), nil
}

// ImportFile is Import for a file on disk.
func ImportFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Import(f)
}

// Resolve returns the connection target for device id with its password
// decrypted.
func Resolve(id uint) (sshterminal.Target, error) {
	d, err := database.GetDevice(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sshterminal.Target{}, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return sshterminal.Target{}, fmt.Errorf("load device %d: %w", id, err)
	}
	proto, err := sshterminal.ParseProtocol(d.Protocol)
	if err != nil {
		return sshterminal.Target{}, fmt.Errorf("device %d: %w", id, err)
	}
	password, err := crypto.Decrypt(d.EncryptedPassword)
	if err != nil {
		return sshterminal.Target{}, fmt.Errorf("decrypt password for device %d: %w", id, err)
	}
	return sshterminal.Target{
		Protocol: proto,
		Host:     d.Host,
		Port:     d.Port,
		Username: d.Username,
		Password: password,
	}, nil
}
