package s3test

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

func NewMockS3() *MockS3 {
	return &MockS3{
		buckets: map[string]map[string]object{},
		errors:  map[string]error{},
	}
}

type object struct {
	data         []byte
	lastModified time.Time
}

// MockS3 mimics an S3 blob store for testing.
type MockS3 struct {
	sync.RWMutex
	buckets map[string]map[string]object
	// errors holds failures to return for a key (or list prefix), keyed by
	// the key itself.
	errors map[string]error
	s3iface.S3API
}

func (m *MockS3) NewBucket(name string) {
	m.Lock()
	defer m.Unlock()
	m.buckets[name] = map[string]object{}
}

// Put stores data under key with the given modification time.
func (m *MockS3) Put(bucket, key string, data []byte, lastModified time.Time) {
	m.Lock()
	defer m.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		b = map[string]object{}
		m.buckets[bucket] = b
	}
	b[key] = object{data: data, lastModified: lastModified}
}

// SetError makes every request for key fail with err until cleared with a
// nil error.
func (m *MockS3) SetError(key string, err error) {
	m.Lock()
	defer m.Unlock()
	if err == nil {
		delete(m.errors, key)
		return
	}
	m.errors[key] = err
}

func (m *MockS3) PutObject(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	data, err := ioutil.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.Put(*in.Bucket, *in.Key, data, time.Now())
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3) lookup(bucketName, key string) (object, error) {
	m.RLock()
	defer m.RUnlock()

	if err, ok := m.errors[key]; ok {
		return object{}, err
	}
	bucket, ok := m.buckets[bucketName]
	if !ok {
		return object{}, awserr.New(s3.ErrCodeNoSuchBucket, fmt.Sprintf("bucket '%s' does not exist", bucketName), nil)
	}
	obj, ok := bucket[key]
	if !ok {
		return object{}, awserr.New(s3.ErrCodeNoSuchKey, fmt.Sprintf("key '%s' does not exist in bucket '%s'", key, bucketName), nil)
	}
	return obj, nil
}

func (m *MockS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	obj, err := m.lookup(*in.Bucket, *in.Key)
	if err != nil {
		return nil, err
	}
	return &s3.GetObjectOutput{
		Body:          ioutil.NopCloser(bytes.NewBuffer(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.lastModified),
	}, nil
}

func (m *MockS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	obj, err := m.lookup(*in.Bucket, *in.Key)
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			// HEAD responses carry no body, so S3 reports a bare NotFound.
			return nil, awserr.New("NotFound", aerr.Message(), nil)
		}
		return nil, err
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.lastModified),
	}, nil
}

func (m *MockS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	m.RLock()
	defer m.RUnlock()

	prefix := aws.StringValue(in.Prefix)
	if err, ok := m.errors[prefix]; ok {
		return err
	}
	bucket, ok := m.buckets[*in.Bucket]
	if !ok {
		return awserr.New(s3.ErrCodeNoSuchBucket, fmt.Sprintf("bucket '%s' does not exist", *in.Bucket), nil)
	}

	var keys []string
	for key := range bucket {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	pageSize := int(aws.Int64Value(in.MaxKeys))
	if pageSize <= 0 {
		pageSize = len(keys) + 1
	}
	for start := 0; start == 0 || start < len(keys); start += pageSize {
		end := start + pageSize
		if end > len(keys) {
			end = len(keys)
		}
		var objects []*s3.Object
		for _, key := range keys[start:end] {
			obj := bucket[key]
			objects = append(objects, &s3.Object{
				Key:          aws.String(key),
				Size:         aws.Int64(int64(len(obj.data))),
				LastModified: aws.Time(obj.lastModified),
			})
		}
		out := new(s3.ListObjectsV2Output)
		out.SetContents(objects)
		if !fn(out, end >= len(keys)) {
			break
		}
	}
	return nil
}
