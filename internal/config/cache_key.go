package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// TestPayloadKey returns the relay cache key for a test's encrypted payload.
func (r *CacheKeyStruct) TestPayloadKey(testCode string) string {
	return fmt.Sprintf("test:%s:payload", testCode)
}

// TestMetaKey returns the relay cache key for a test's duration/corrections flags.
func (r *CacheKeyStruct) TestMetaKey(testCode string) string {
	return fmt.Sprintf("test:%s:meta", testCode)
}

// SubmissionDigestKey returns the relay key used to short-circuit duplicate submissions.
func (r *CacheKeyStruct) SubmissionDigestKey(testCode, digest string) string {
	return fmt.Sprintf("test:%s:submission:%s", testCode, digest)
}

var CacheKey = NewCacheKeyStruct()
