package v1

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"meridian-panel/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

func parsePagination(c *gin.Context) (page, pageSize int, p repository.Pagination) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultPageSize)))
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	p = repository.Pagination{
		Limit:  int32(pageSize),
		Offset: int32((page - 1) * pageSize),
	}
	return page, pageSize, p
}

// parseSeriesRange reads start/end/granularity query params; the default
// window is the trailing 24 hours at hourly buckets.
func parseSeriesRange(c *gin.Context) (start, end time.Time, g repository.Granularity, ok bool) {
	now := time.Now().UTC()
	start = now.Add(-24 * time.Hour)
	end = now
	g = repository.GranularityHour

	if raw := strings.TrimSpace(c.Query("start")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, g, false
		}
		start = parsed
	}
	if raw := strings.TrimSpace(c.Query("end")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return start, end, g, false
		}
		end = parsed
	}
	switch strings.TrimSpace(c.Query("granularity")) {
	case "", string(repository.GranularityHour):
		g = repository.GranularityHour
	case string(repository.GranularityDay):
		g = repository.GranularityDay
	default:
		return start, end, g, false
	}
	return start, end, g, true
}

type seriesPoint struct {
	Bucket time.Time `json:"bucket"`
	Bytes  int64     `json:"bytes"`
}

func collectSeries(seq func(yield func(time.Time, int64) bool)) []seriesPoint {
	points := make([]seriesPoint, 0, 24)
	seq(func(bucket time.Time, bytes int64) bool {
		points = append(points, seriesPoint{Bucket: bucket, Bytes: bytes})
		return true
	})
	return points
}
