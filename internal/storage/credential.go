// Package storage defines storage credentials and the content addressed file
// layout shared by every backend driver.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Type names a backend medium.
type Type string

const (
	TypeFilesystem Type = "filesystem"
	TypeHDFS       Type = "hdfs"
	TypeS3         Type = "s3"
	TypeInnerCOS   Type = "innercos"
)

// DefaultKey is the key of the default credential.
const DefaultKey = ""

// FilesystemParams locate a local or mounted directory.
type FilesystemParams struct {
	Path string `yaml:"path" json:"path"`
}

// S3Params configure any S3 compatible object store.
type S3Params struct {
	Endpoint       string `yaml:"endpoint" json:"endpoint"`
	Region         string `yaml:"region" json:"region"`
	Bucket         string `yaml:"bucket" json:"bucket"`
	Prefix         string `yaml:"prefix" json:"prefix"`
	AccessKey      string `yaml:"access_key" json:"accessKey"`
	SecretKey      string `yaml:"secret_key" json:"secretKey"`
	ForcePathStyle bool   `yaml:"force_path_style" json:"forcePathStyle"`
}

// InnerCOSParams configure the in-house object store. Buckets are addressed
// as <bucket>-<app_id> under a regional domain.
type InnerCOSParams struct {
	Region    string `yaml:"region" json:"region"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AppID     string `yaml:"app_id" json:"appId"`
	SecretID  string `yaml:"secret_id" json:"secretId"`
	SecretKey string `yaml:"secret_key" json:"secretKey"`
	Domain    string `yaml:"domain" json:"domain"` // default: cos.<region>.myqcloud.com
	Prefix    string `yaml:"prefix" json:"prefix"`
	Insecure  bool   `yaml:"insecure" json:"insecure"`
}

// HDFSParams configure an HDFS namenode connection.
type HDFSParams struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	User      string   `yaml:"user" json:"user"`
	Root      string   `yaml:"root" json:"root"`
}

// CacheConfig is the local disk cache policy of a credential.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	TTLSeconds int64  `yaml:"ttl_seconds" json:"ttlSeconds"`
}

// TTL returns the configured expiry as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Credential identifies one backend instance. It is immutable once a
// repository uses it.
type Credential struct {
	Key        string            `yaml:"key" json:"key"`
	Type       Type              `yaml:"type" json:"type"`
	Filesystem *FilesystemParams `yaml:"filesystem,omitempty" json:"filesystem,omitempty"`
	S3         *S3Params         `yaml:"s3,omitempty" json:"s3,omitempty"`
	InnerCOS   *InnerCOSParams   `yaml:"innercos,omitempty" json:"innercos,omitempty"`
	HDFS       *HDFSParams       `yaml:"hdfs,omitempty" json:"hdfs,omitempty"`
	Cache      CacheConfig       `yaml:"cache" json:"cache"`
}

// Identity is a stable hash of the connection parameters. Two credentials with
// different keys but the same backend share an identity.
func (c Credential) Identity() string {
	shape := struct {
		Type       Type              `json:"type"`
		Filesystem *FilesystemParams `json:"filesystem,omitempty"`
		S3         *S3Params         `json:"s3,omitempty"`
		InnerCOS   *InnerCOSParams   `json:"innercos,omitempty"`
		HDFS       *HDFSParams       `json:"hdfs,omitempty"`
	}{c.Type, c.Filesystem, c.S3, c.InnerCOS, c.HDFS}
	// Marshalling plain structs cannot fail.
	data, _ := json.Marshal(shape)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// String returns a log friendly name that never includes secrets.
func (c Credential) String() string {
	key := c.Key
	if key == DefaultKey {
		key = "default"
	}
	return fmt.Sprintf("%s(%s)", key, c.Type)
}

// Validate checks that the parameters required by the type are present.
func (c Credential) Validate() error {
	switch c.Type {
	case TypeFilesystem:
		if c.Filesystem == nil || c.Filesystem.Path == "" {
			return fmt.Errorf("credential %s: filesystem.path is required", c)
		}
	case TypeS3:
		if c.S3 == nil || c.S3.Bucket == "" {
			return fmt.Errorf("credential %s: s3.bucket is required", c)
		}
	case TypeInnerCOS:
		if c.InnerCOS == nil || c.InnerCOS.Bucket == "" || c.InnerCOS.Region == "" {
			return fmt.Errorf("credential %s: innercos.bucket and innercos.region are required", c)
		}
	case TypeHDFS:
		if c.HDFS == nil || len(c.HDFS.Addresses) == 0 {
			return fmt.Errorf("credential %s: hdfs.addresses is required", c)
		}
	default:
		return fmt.Errorf("credential %s: %w", c, ErrUnsupportedType)
	}
	if c.Cache.Enabled {
		if c.Cache.Path == "" {
			return fmt.Errorf("credential %s: cache.path is required when cache is enabled", c)
		}
		if c.Cache.TTLSeconds <= 0 {
			return fmt.Errorf("credential %s: cache.ttl_seconds must be positive", c)
		}
	}
	return nil
}

// Credentials is the configured set of credentials, looked up by key.
type Credentials struct {
	byKey map[string]Credential
}

// NewCredentials indexes creds by key and rejects duplicates.
func NewCredentials(creds []Credential) (*Credentials, error) {
	set := &Credentials{byKey: make(map[string]Credential, len(creds))}
	for _, c := range creds {
		if _, dup := set.byKey[c.Key]; dup {
			return nil, fmt.Errorf("duplicate credential key %q", c.Key)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		set.byKey[c.Key] = c
	}
	return set, nil
}

// Get returns the credential for key.
func (s *Credentials) Get(key string) (Credential, error) {
	c, ok := s.byKey[key]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %q", ErrUnknownCredential, key)
	}
	return c, nil
}

// All returns every configured credential.
func (s *Credentials) All() []Credential {
	out := make([]Credential, 0, len(s.byKey))
	for _, c := range s.byKey {
		out = append(out, c)
	}
	return out
}
