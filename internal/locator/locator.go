// Package locator parses archive and member targets: local paths, "-" for
// standard streams, s3:// URIs and S3 object or access point ARNs.
package locator

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	awsarn "github.com/aws/aws-sdk-go-v2/aws/arn"
)

type Kind string

const (
	KindLocal Kind = "local"
	KindStdio Kind = "stdio"
	KindS3    Kind = "s3"
)

type Ref struct {
	Kind     Kind
	Raw      string
	Path     string
	Bucket   string
	Key      string
	Metadata map[string]string
}

// Name returns the last element of the target, used to guess filters and
// formats from an extension. It is empty for standard streams.
func (r Ref) Name() string {
	switch r.Kind {
	case KindLocal:
		return path.Base(strings.ReplaceAll(r.Path, "\\", "/"))
	case KindS3:
		if r.Key == "" {
			return ""
		}
		return path.Base(r.Key)
	default:
		return ""
	}
}

// Parse resolves an archive target. Query parameters of an s3:// URI become
// object metadata on upload.
func Parse(v string) (Ref, error) {
	if v == "-" {
		return Ref{Kind: KindStdio, Raw: v}, nil
	}
	return ParseMember(v)
}

// ParseMember resolves a member given to create, where "-" is a file name.
func ParseMember(v string) (Ref, error) {
	if strings.HasPrefix(v, "s3://") {
		return parseS3URI(v)
	}
	if strings.HasPrefix(v, "arn:") {
		return parseS3ARN(v)
	}
	if v == "" {
		return Ref{}, fmt.Errorf("empty target")
	}
	return Ref{Kind: KindLocal, Raw: v, Path: v}, nil
}

func parseS3URI(v string) (Ref, error) {
	u, err := url.Parse(v)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid s3 uri %q: %w", v, err)
	}
	if u.Scheme != "s3" {
		return Ref{}, fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Ref{}, fmt.Errorf("s3 uri must include bucket")
	}
	return Ref{
		Kind:     KindS3,
		Raw:      v,
		Bucket:   u.Host,
		Key:      strings.TrimPrefix(u.Path, "/"),
		Metadata: parseQueryMetadata(u.Query()),
	}, nil
}

func parseS3ARN(v string) (Ref, error) {
	a, err := awsarn.Parse(v)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid arn: %w", err)
	}
	if a.Service != "s3" {
		return Ref{}, fmt.Errorf("unsupported arn service %q", a.Service)
	}

	if strings.HasPrefix(a.Resource, "accesspoint/") {
		ap, key, ok := strings.Cut(a.Resource, "/object/")
		if !ok || key == "" {
			return Ref{}, fmt.Errorf("unsupported accesspoint arn, expected /object/<key>")
		}
		bucketARN := fmt.Sprintf("arn:%s:%s:%s:%s:%s", a.Partition, a.Service, a.Region, a.AccountID, ap)
		return Ref{Kind: KindS3, Raw: v, Bucket: bucketARN, Key: key}, nil
	}

	resource := strings.TrimPrefix(a.Resource, ":::")
	resource = strings.TrimPrefix(resource, "bucket/")
	bucket, key, ok := strings.Cut(resource, "/")
	if !ok || bucket == "" || key == "" {
		return Ref{}, fmt.Errorf("unsupported s3 arn, expected object arn with bucket and key")
	}
	return Ref{Kind: KindS3, Raw: v, Bucket: bucket, Key: key}, nil
}

// JoinS3Prefix joins an entry name below a key prefix.
func JoinS3Prefix(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	name = strings.TrimPrefix(name, "/")
	if prefix == "" {
		return name
	}
	if name == "" {
		return prefix
	}
	return prefix + "/" + name
}

func parseQueryMetadata(q url.Values) map[string]string {
	if len(q) == 0 {
		return nil
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(q))
	for _, k := range keys {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		out[key] = strings.Join(q[k], ",")
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
