/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package span

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config names an S3-compatible bucket/object to back a span, the same
// fields the teacher's S3Factory takes (storage/persistence-s3.go).
type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	Bucket          string
	Key             string
}

// S3Span backs a span with a single S3 object, loaded with one
// whole-object GET and written by buffering the whole object and re-PUTting it, since S3 has
// no partial-write primitive. Per SPEC_FULL.md's Open Question decision,
// this makes S3Span a cold/archival tier only: it cannot participate in
// the aggregation writer's ordered wrap-around sync, because S3 offers no
// ordering guarantee between overlapping PutObject calls.
type S3Span struct {
	cfg    S3Config
	size   int64
	mu     sync.Mutex
	client *s3.Client
	cache  []byte // whole-object buffer; S3 has no in-place byte range write
	dirty  bool
}

func OpenS3(cfg S3Config, size int64) (*S3Span, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("span: s3 config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}
	return &S3Span{cfg: cfg, size: size, client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

func (s *S3Span) ensureLoaded(ctx context.Context) error {
	if s.cache != nil {
		return nil
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(s.cfg.Key)})
	if err != nil {
		s.cache = make([]byte, s.size)
		return nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	buf := make([]byte, s.size)
	copy(buf, data)
	s.cache = buf
	return nil
}

func (s *S3Span) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(context.Background()); err != nil {
		return 0, err
	}
	if off >= int64(len(s.cache)) {
		return 0, io.EOF
	}
	n := copy(p, s.cache[off:])
	return n, nil
}

func (s *S3Span) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(context.Background()); err != nil {
		return 0, err
	}
	if off+int64(len(p)) > int64(len(s.cache)) {
		return 0, fmt.Errorf("span: write past object size")
	}
	copy(s.cache[off:], p)
	s.dirty = true
	return len(p), nil
}

func (s *S3Span) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	_, err := s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.cfg.Key),
		Body:   bytes.NewReader(s.cache),
	})
	if err == nil {
		s.dirty = false
	}
	return err
}

func (s *S3Span) Size() int64 { return s.size }
func (s *S3Span) Close() error { return s.Sync() }
