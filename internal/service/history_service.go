package service

import (
	"context"
	"sort"
	"strings"

	"github.com/fleetsim-labs/fleetsim/internal/model"
	"github.com/fleetsim-labs/fleetsim/internal/storage"
)

// HistoryService queries the persisted deployment history.
type HistoryService struct {
	store storage.Store
}

// HistoryFilter narrows a history query.
type HistoryFilter struct {
	DeviceID string
	Status   string
	PageNum  int
	PageSize int
}

// NewHistoryService constructs HistoryService.
func NewHistoryService(store storage.Store) *HistoryService {
	return &HistoryService{store: store}
}

// Query returns one page of deployment records, newest first.
func (s *HistoryService) Query(ctx context.Context, filter HistoryFilter) (*model.Page[*model.DeploymentRecord], error) {
	records, err := s.filtered(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	pageNum := filter.PageNum
	if pageNum < 1 {
		pageNum = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	total := len(records)
	start := (pageNum - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return &model.Page[*model.DeploymentRecord]{
		Total:    total,
		PageNum:  pageNum,
		PageSize: pageSize,
		Records:  records[start:end],
	}, nil
}

// CountByStatus tallies deployment attempts per terminal/stage status.
func (s *HistoryService) CountByStatus(ctx context.Context) (map[string]int, error) {
	records, err := s.store.ListDeploymentRecords(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, record := range records {
		counts[record.Status]++
	}
	return counts, nil
}

// CountByDevice tallies deployment attempts per device.
func (s *HistoryService) CountByDevice(ctx context.Context) (map[string]int, error) {
	records, err := s.store.ListDeploymentRecords(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, record := range records {
		counts[record.DeviceID]++
	}
	return counts, nil
}

func (s *HistoryService) filtered(ctx context.Context, filter HistoryFilter) ([]*model.DeploymentRecord, error) {
	records, err := s.store.ListDeploymentRecords(ctx)
	if err != nil {
		return nil, err
	}
	if filter.DeviceID == "" && filter.Status == "" {
		return records, nil
	}
	var out []*model.DeploymentRecord
	for _, record := range records {
		if filter.DeviceID != "" && record.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Status != "" && !strings.EqualFold(record.Status, filter.Status) {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}
