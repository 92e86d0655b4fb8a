package dashboard

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"iris/internal/types"
)

// Compression selects the encoding of an exported report.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// CompressionForPath infers the compression from a file name suffix.
func CompressionForPath(path string) Compression {
	switch {
	case strings.HasSuffix(path, ".gz"):
		return CompressionGzip
	case strings.HasSuffix(path, ".zst"):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

var exportHeader = []string{
	"uid", "display_name", "email", "plan",
	"resume_analyses_used", "resume_analyses_limit",
	"mock_interviews_used", "mock_interviews_limit",
	"sessions", "interviews",
	"avg_resume_score", "avg_interview_score",
	"last_active",
}

// ExportCSV writes one row per student. last_active is the most recent
// session or interview start in RFC 3339, or empty.
func ExportCSV(w io.Writer, students []*types.Profile, activity map[string]Activity, compression Compression) error {
	out, closeFn, err := compressor(w, compression)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(out)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, p := range students {
		if p == nil {
			continue
		}
		if err := cw.Write(exportRow(p, activity[p.UID])); err != nil {
			return fmt.Errorf("write csv row for %s: %w", p.UID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return closeFn()
}

func exportRow(p *types.Profile, act Activity) []string {
	var resume, interview mean
	var last time.Time
	for _, s := range act.Sessions {
		resume.add(s.MatchScore)
		if s.StartTime.After(last) {
			last = s.StartTime
		}
	}
	for _, iv := range act.Interviews {
		interview.add(iv.OverallScore)
		if iv.StartTime.After(last) {
			last = iv.StartTime
		}
	}

	lastActive := ""
	if !last.IsZero() {
		lastActive = last.UTC().Format(time.RFC3339)
	}
	ra := p.Usage[types.FeatureResumeAnalyses]
	mi := p.Usage[types.FeatureMockInterviews]
	return []string{
		p.UID, p.DisplayName, p.Email, string(p.Plan),
		strconv.Itoa(ra.Used), strconv.Itoa(ra.Limit),
		strconv.Itoa(mi.Used), strconv.Itoa(mi.Limit),
		strconv.Itoa(len(act.Sessions)), strconv.Itoa(len(act.Interviews)),
		strconv.Itoa(resume.rounded()), strconv.Itoa(interview.rounded()),
		lastActive,
	}
}

func compressor(w io.Writer, c Compression) (io.Writer, func() error, error) {
	switch c {
	case "", CompressionNone:
		return w, func() error { return nil }, nil
	case CompressionGzip:
		zw := gzip.NewWriter(w)
		return zw, zw.Close, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	default:
		return nil, nil, types.NewAppError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown compression %q", c), nil)
	}
}
