package objectprovider

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
)

// ObjectPath is a fully-qualified object location such as s3://bucket/some/key.jpg.
type ObjectPath struct {
	Scheme string
	Bucket string
	Key    string
}

func ParseObjectPath(s string) (ObjectPath, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return ObjectPath{}, fmt.Errorf("object path must look like <scheme>://<bucket>/<key>: %q", s)
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return ObjectPath{}, fmt.Errorf("object path has no bucket: %q", s)
	}
	return ObjectPath{Scheme: scheme, Bucket: bucket, Key: key}, nil
}

func (p ObjectPath) String() string {
	return fmt.Sprintf("%s://%s/%s", p.Scheme, p.Bucket, p.Key)
}

// The object's file name, i.e. the last element of the key.
func (p ObjectPath) Base() string {
	return path.Base(p.Key)
}

// Another object in the same scheme.
func (p ObjectPath) Sibling(bucket, key string) ObjectPath {
	return ObjectPath{Scheme: p.Scheme, Bucket: bucket, Key: key}
}

var ErrObjectNotFound = errors.New("object not found")

// The minimal object store surface needed to read a dataset and write results.
type ObjectStore interface {
	// List all keys in the bucket that start with prefix.
	List(ctx context.Context, bucket, prefix string) ([]string, error)

	// Read an entire object.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Create or replace an object.
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

type Objects string

const (
	ObjectsSmall  Objects = "small"
	ObjectsMedium Objects = "medium"
	ObjectsLarge  Objects = "large"
)

var AllObjectsWithDescriptions = map[Objects]string{
	ObjectsSmall:  "25 320x240 images",
	ObjectsMedium: "250 640x480 images",
	ObjectsLarge:  "2,500 1280x960 images",
}

// Describes one synthetic image to be seeded into a dataset.
type ObjectSpec struct {
	Key    string
	Width  int
	Height int
}

// Creates datasets in an object store so benchmarks have something to chew on.
type ObjectProvider interface {
	// Create the objects using the current object specs.
	MakeObjects() error

	// Create any resources needed before MakeObjects can be ran.
	SetUp() error

	// Destroy everything created by SetUp and MakeObjects.
	TearDown() error

	// Set the object specs to be created by MakeObjects. Do not create any objects.
	SetObjects([]*ObjectSpec)

	GetObjects() []*ObjectSpec

	// Where the objects end up, e.g. s3://bucket/prefix/.
	GetPrefix() ObjectPath
}

func LoadBuiltinObjectSpecs(objects Objects) ([]*ObjectSpec, error) {
	switch objects {
	case ObjectsSmall:
		return generateObjectSpecs(25, 320, 240), nil
	case ObjectsMedium:
		return generateObjectSpecs(250, 640, 480), nil
	case ObjectsLarge:
		return generateObjectSpecs(2500, 1280, 960), nil
	default:
		return nil, fmt.Errorf("unknown objects builtin: %s", string(objects))
	}
}

// Every fifth image is a PNG so both decoders get exercised.
func generateObjectSpecs(n, width, height int) []*ObjectSpec {
	out := make([]*ObjectSpec, 0, n)
	for i := range n {
		ext := ".jpg"
		if i%5 == 4 {
			ext = ".png"
		}
		out = append(out, &ObjectSpec{
			Key:    fmt.Sprintf("image_%05d%s", i, ext),
			Width:  width,
			Height: height,
		})
	}
	return out
}

// Parses lines of the form key,width,height.
func LoadObjectSpecsFromBuf(buf []byte) ([]*ObjectSpec, error) {
	lines := strings.Split(string(buf), "\n")
	out := []*ObjectSpec{}
	for _, line := range lines {
		parts := strings.Split(strings.TrimSpace(line), ",")
		if len(parts) < 3 {
			continue
		}

		width, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, err
		}
		height, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, err
		}
		if width <= 0 || height <= 0 {
			return nil, fmt.Errorf("image dimensions must be positive: %s", line)
		}

		if slices.ContainsFunc(out, func(it *ObjectSpec) bool {
			return it.Key == parts[0]
		}) {
			return nil, fmt.Errorf("duplicate key: %s", parts[0])
		}

		out = append(out, &ObjectSpec{
			Key:    parts[0],
			Width:  width,
			Height: height,
		})
	}
	return out, nil
}

func ExplainObjects() string {
	names := make([]string, 0, len(AllObjectsWithDescriptions))
	for obj := range AllObjectsWithDescriptions {
		names = append(names, string(obj))
	}
	slices.Sort(names)

	var sb strings.Builder
	for i, name := range names {
		sb.WriteString("\"")
		sb.WriteString(name)
		sb.WriteString("\"")
		sb.WriteString(" (")
		sb.WriteString(AllObjectsWithDescriptions[Objects(name)])
		sb.WriteString(")")
		if i < len(names)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}
