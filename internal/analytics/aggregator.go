// Package analytics computes dashboard aggregates over complaints and talks
// to the remote clustering service.
package analytics

import (
	"context"
	"math"
	"sort"
	"time"

	"civicpulse.org/internal/complaint"
)

const (
	dailyWindow    = 7
	monthlyWindow  = 6
	topCategoryMax = 5
)

// Source lists complaints; complaint.Store satisfies it.
type Source interface {
	List(ctx context.Context, f complaint.Filter) ([]complaint.Complaint, error)
}

// DailyCount is the number of complaints submitted on one UTC day.
type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// MonthlyCount is the number of complaints submitted in one calendar month.
type MonthlyCount struct {
	Month string `json:"month"`
	Count int    `json:"count"`
}

// CategoryCount pairs a category with its complaint count.
type CategoryCount struct {
	Category complaint.Category `json:"category"`
	Count    int                `json:"count"`
}

// HeatCell groups complaints sharing a location and category.
type HeatCell struct {
	Latitude  complaint.Coord    `json:"latitude"`
	Longitude complaint.Coord    `json:"longitude"`
	Category  complaint.Category `json:"category"`
	Count     int                `json:"count"`
}

// Stats is the dashboard summary.
type Stats struct {
	Total                int                        `json:"total_complaints"`
	Pending              int                        `json:"pending_complaints"`
	InProgress           int                        `json:"in_progress_complaints"`
	Resolved             int                        `json:"resolved_complaints"`
	Rejected             int                        `json:"rejected_complaints"`
	CategoryDistribution map[complaint.Category]int `json:"category_distribution"`
	StatusDistribution   map[complaint.Status]int   `json:"status_distribution"`
	Daily                []DailyCount               `json:"daily_complaints"`
	Monthly              []MonthlyCount             `json:"monthly_complaints"`
	AvgResolutionHours   *float64                   `json:"avg_resolution_time"`
	TopCategories        []CategoryCount            `json:"top_categories"`
	Heatmap              []HeatCell                 `json:"complaint_heatmap"`
	GeneratedAt          time.Time                  `json:"generated_at"`
}

// HeatPoint is one complaint on the heatmap.
type HeatPoint struct {
	Lat       float64            `json:"lat"`
	Lng       float64            `json:"lng"`
	Intensity int                `json:"intensity"`
	Category  complaint.Category `json:"category"`
	Status    complaint.Status   `json:"status"`
}

// Heatmap is the filtered point set.
type Heatmap struct {
	Points      []HeatPoint `json:"data"`
	TotalPoints int         `json:"total_points"`
}

// Aggregator computes Stats and Heatmap from a Source.
type Aggregator struct {
	source Source
	now    func() time.Time
}

// NewAggregator creates an Aggregator over source.
func NewAggregator(source Source) *Aggregator {
	return &Aggregator{source: source, now: time.Now}
}

// Stats summarises every complaint.
func (a *Aggregator) Stats(ctx context.Context) (Stats, error) {
	all, err := a.source.List(ctx, complaint.Filter{})
	if err != nil {
		return Stats{}, err
	}
	return Summarize(all, a.now()), nil
}

// Heatmap returns one point per complaint matching category and status.
func (a *Aggregator) Heatmap(ctx context.Context, category complaint.Category, status complaint.Status) (Heatmap, error) {
	list, err := a.source.List(ctx, complaint.Filter{Category: category, Status: status})
	if err != nil {
		return Heatmap{}, err
	}
	out := Heatmap{Points: make([]HeatPoint, 0, len(list))}
	for _, c := range list {
		out.Points = append(out.Points, HeatPoint{
			Lat:       c.Latitude.Float(),
			Lng:       c.Longitude.Float(),
			Intensity: 1,
			Category:  c.Category,
			Status:    c.Status,
		})
	}
	out.TotalPoints = len(out.Points)
	return out, nil
}

// Summarize computes Stats for list as of now.
func Summarize(list []complaint.Complaint, now time.Time) Stats {
	now = now.UTC()
	st := Stats{
		Total:                len(list),
		CategoryDistribution: make(map[complaint.Category]int),
		StatusDistribution:   make(map[complaint.Status]int),
		GeneratedAt:          now,
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	firstDay := today.AddDate(0, 0, -(dailyWindow - 1))
	daily := make([]int, dailyWindow)

	thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	firstMonth := thisMonth.AddDate(0, -(monthlyWindow - 1), 0)
	monthly := make([]int, monthlyWindow)

	type cellKey struct {
		lat, lng complaint.Coord
		cat      complaint.Category
	}
	cells := make(map[cellKey]int)
	var cellOrder []cellKey

	var (
		resolvedHours float64
		resolvedCount int
	)
	for _, c := range list {
		st.CategoryDistribution[c.Category]++
		st.StatusDistribution[c.Status]++
		switch c.Status {
		case complaint.StatusPending:
			st.Pending++
		case complaint.StatusInProgress:
			st.InProgress++
		case complaint.StatusResolved:
			st.Resolved++
			if h, ok := c.ResolutionTimeHours(); ok {
				resolvedHours += h
				resolvedCount++
			}
		case complaint.StatusRejected:
			st.Rejected++
		}

		created := c.CreatedAt.UTC()
		if day := int(created.Sub(firstDay).Hours() / 24); !created.Before(firstDay) && day < dailyWindow {
			daily[day]++
		}
		if !created.Before(firstMonth) {
			m := (created.Year()-firstMonth.Year())*12 + int(created.Month()) - int(firstMonth.Month())
			if m >= 0 && m < monthlyWindow {
				monthly[m]++
			}
		}

		k := cellKey{c.Latitude, c.Longitude, c.Category}
		if _, seen := cells[k]; !seen {
			cellOrder = append(cellOrder, k)
		}
		cells[k]++
	}

	st.Daily = make([]DailyCount, dailyWindow)
	for i := range daily {
		st.Daily[i] = DailyCount{Date: firstDay.AddDate(0, 0, i).Format("2006-01-02"), Count: daily[i]}
	}
	st.Monthly = make([]MonthlyCount, monthlyWindow)
	for i := range monthly {
		st.Monthly[i] = MonthlyCount{Month: firstMonth.AddDate(0, i, 0).Format("Jan 2006"), Count: monthly[i]}
	}

	if resolvedCount > 0 {
		avg := math.Round(resolvedHours/float64(resolvedCount)*100) / 100
		st.AvgResolutionHours = &avg
	}

	st.TopCategories = make([]CategoryCount, 0, len(st.CategoryDistribution))
	for cat, n := range st.CategoryDistribution {
		st.TopCategories = append(st.TopCategories, CategoryCount{Category: cat, Count: n})
	}
	sort.Slice(st.TopCategories, func(i, j int) bool {
		if st.TopCategories[i].Count == st.TopCategories[j].Count {
			return st.TopCategories[i].Category < st.TopCategories[j].Category
		}
		return st.TopCategories[i].Count > st.TopCategories[j].Count
	})
	if len(st.TopCategories) > topCategoryMax {
		st.TopCategories = st.TopCategories[:topCategoryMax]
	}

	st.Heatmap = make([]HeatCell, 0, len(cellOrder))
	for _, k := range cellOrder {
		st.Heatmap = append(st.Heatmap, HeatCell{Latitude: k.lat, Longitude: k.lng, Category: k.cat, Count: cells[k]})
	}
	return st
}
