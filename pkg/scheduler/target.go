package scheduler

import (
	"strconv"
	"strings"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// Target is a parsed "hostname[:numa][::gpus]" specification.
type Target struct {
	Hostname string
	NUMANode *int
	GPUs     []int
}

// ParseTarget parses the target grammar. Examples:
//
//	node1          just a hostname
//	node1:0        NUMA node 0
//	node1::1,2     GPUs 1 and 2
//	node1:0::1,2   NUMA node 0 and GPUs 1 and 2
func ParseTarget(spec string) (*Target, error) {
	if spec == "" {
		return nil, types.NewError(types.ErrBadRequest, "empty target")
	}

	target := &Target{}
	rest := spec

	if idx := strings.Index(rest, "::"); idx >= 0 {
		gpuPart := rest[idx+2:]
		rest = rest[:idx]
		if gpuPart == "" {
			return nil, types.NewError(types.ErrBadRequest, "target %q: empty gpu list", spec)
		}
		for _, field := range strings.Split(gpuPart, ",") {
			gpu, err := strconv.Atoi(field)
			if err != nil || gpu < 0 {
				return nil, types.NewError(types.ErrBadRequest, "target %q: bad gpu index %q", spec, field)
			}
			target.GPUs = append(target.GPUs, gpu)
		}
	}

	if idx := strings.Index(rest, ":"); idx >= 0 {
		numaPart := rest[idx+1:]
		rest = rest[:idx]
		numa, err := strconv.Atoi(numaPart)
		if err != nil || numa < 0 {
			return nil, types.NewError(types.ErrBadRequest, "target %q: bad numa id %q", spec, numaPart)
		}
		target.NUMANode = &numa
	}

	if rest == "" {
		return nil, types.NewError(types.ErrBadRequest, "target %q: missing hostname", spec)
	}
	target.Hostname = rest
	return target, nil
}
