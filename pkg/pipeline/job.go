package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nicktill/telemigrate/pkg/schema"
)

// Kind is what a job does with its groups
type Kind string

const (
	// KindCopy migrates groups server-side with SELECT ... INTO
	KindCopy Kind = "copy"

	// KindMigrate extracts, resamples and writes groups client-side
	KindMigrate Kind = "migrate"

	// KindBackfill replays groups from the snapshot file
	KindBackfill Kind = "backfill"

	// KindSOC recomputes the state-of-charge column
	KindSOC Kind = "soc"
)

// ErrUnknownJob is returned for job specs that do not parse or name a group
// the schema does not have
var ErrUnknownJob = errors.New("pipeline: unknown job")

// Job is one step of a plan, e.g. "copy:rbimage" or "migrate:rbimage,perfest"
type Job struct {
	Kind   Kind
	Groups []string
}

func (j Job) String() string {
	if len(j.Groups) == 0 {
		return string(j.Kind)
	}
	return string(j.Kind) + ":" + strings.Join(j.Groups, ",")
}

// ParseJob parses "kind[:group[,group...]]"
func ParseJob(spec string) (Job, error) {
	kind, groups, _ := strings.Cut(strings.TrimSpace(spec), ":")

	job := Job{Kind: Kind(strings.ToLower(kind))}
	for _, g := range strings.Split(groups, ",") {
		if g = strings.TrimSpace(g); g != "" {
			job.Groups = append(job.Groups, g)
		}
	}

	switch job.Kind {
	case KindCopy, KindMigrate, KindBackfill:
		if len(job.Groups) == 0 {
			return Job{}, fmt.Errorf("%w: %q needs at least one group", ErrUnknownJob, spec)
		}
	case KindSOC:
		if len(job.Groups) > 0 {
			return Job{}, fmt.Errorf("%w: %q takes no groups", ErrUnknownJob, spec)
		}
	default:
		return Job{}, fmt.Errorf("%w: %q", ErrUnknownJob, spec)
	}
	return job, nil
}

// ParsePlan parses every spec and checks the groups against the schema
func ParsePlan(specs []string, s *schema.Schema) ([]Job, error) {
	plan := make([]Job, 0, len(specs))
	for _, spec := range specs {
		job, err := ParseJob(spec)
		if err != nil {
			return nil, err
		}
		for _, g := range job.Groups {
			if _, ok := s.Group(g); !ok {
				return nil, fmt.Errorf("%w: %q: schema %s has no group %q", ErrUnknownJob, spec, s.Version, g)
			}
		}
		if job.Kind == KindSOC && s.OffsetField == "" {
			return nil, fmt.Errorf("%w: %q: schema %s defines no offset field", ErrUnknownJob, spec, s.Version)
		}
		plan = append(plan, job)
	}
	return plan, nil
}

// NeedsSeed reports whether any job runs the recurrence
func NeedsSeed(plan []Job) bool {
	for _, j := range plan {
		if j.Kind == KindSOC {
			return true
		}
	}
	return false
}
