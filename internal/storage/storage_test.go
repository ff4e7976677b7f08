package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func digestOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestLocate(t *testing.T) {
	d := digestOf("hello")
	p, err := Locate(d)
	require.NoError(t, err)
	assert.Equal(t, d[0:2]+"/"+d[2:4]+"/"+d, p)

	again, err := Locate(d)
	require.NoError(t, err)
	assert.Equal(t, p, again, "locate must be deterministic")
}

func TestLocateRejectsInvalidDigest(t *testing.T) {
	for _, in := range []string{
		"",
		"abc",
		strings.Repeat("g", 64),
		strings.ToUpper(digestOf("x")),
		"../" + digestOf("x")[3:],
	} {
		_, err := Locate(in)
		assert.ErrorIs(t, err, ErrInvalidDigest, in)
	}
}

func TestLocateSpreadsAcrossShards(t *testing.T) {
	dirs := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		dirs[Dir(digestOf(string(rune(i))+"payload"))] = struct{}{}
	}
	// 500 random digests over 65536 shard dirs rarely collide.
	assert.Greater(t, len(dirs), 450)
}

func TestCredentialIdentity(t *testing.T) {
	a := Credential{Key: "a", Type: TypeFilesystem, Filesystem: &FilesystemParams{Path: "/data"}}
	b := Credential{Key: "b", Type: TypeFilesystem, Filesystem: &FilesystemParams{Path: "/data"},
		Cache: CacheConfig{Enabled: true, Path: "/cache", TTLSeconds: 60}}
	c := Credential{Key: "a", Type: TypeFilesystem, Filesystem: &FilesystemParams{Path: "/other"}}

	assert.Equal(t, a.Identity(), b.Identity(), "key and cache are not part of the identity")
	assert.NotEqual(t, a.Identity(), c.Identity())
}

func TestCredentialValidate(t *testing.T) {
	tests := []struct {
		name    string
		cred    Credential
		wantErr bool
	}{
		{"filesystem ok", Credential{Type: TypeFilesystem, Filesystem: &FilesystemParams{Path: "/d"}}, false},
		{"filesystem missing path", Credential{Type: TypeFilesystem}, true},
		{"s3 ok", Credential{Type: TypeS3, S3: &S3Params{Bucket: "b"}}, false},
		{"s3 missing bucket", Credential{Type: TypeS3, S3: &S3Params{}}, true},
		{"innercos missing region", Credential{Type: TypeInnerCOS, InnerCOS: &InnerCOSParams{Bucket: "b"}}, true},
		{"hdfs ok", Credential{Type: TypeHDFS, HDFS: &HDFSParams{Addresses: []string{"nn:8020"}}}, false},
		{"unknown type", Credential{Type: "tape"}, true},
		{"cache without ttl", Credential{Type: TypeFilesystem, Filesystem: &FilesystemParams{Path: "/d"},
			Cache: CacheConfig{Enabled: true, Path: "/c"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cred.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCredentials(t *testing.T) {
	set, err := NewCredentials([]Credential{
		{Key: DefaultKey, Type: TypeFilesystem, Filesystem: &FilesystemParams{Path: "/d"}},
		{Key: "cold", Type: TypeS3, S3: &S3Params{Bucket: "cold"}},
	})
	require.NoError(t, err)

	c, err := set.Get("cold")
	require.NoError(t, err)
	assert.Equal(t, TypeS3, c.Type)
	assert.Len(t, set.All(), 2)

	_, err = set.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownCredential)

	_, err = NewCredentials([]Credential{
		{Key: "x", Type: TypeFilesystem, Filesystem: &FilesystemParams{Path: "/a"}},
		{Key: "x", Type: TypeFilesystem, Filesystem: &FilesystemParams{Path: "/b"}},
	})
	assert.Error(t, err)
}
