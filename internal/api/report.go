package api

import (
	"fmt"
	"log"
	"net/http"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/apexline/apexline/internal/session"
)

// showReport renders a post-session HTML report: lap-time progression
// and per-corner time loss, built from the persisted session state.
func (s *Server) showReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.files == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Storage not configured")
		return
	}

	id := r.URL.Query().Get("session")
	if id == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'session' parameter")
		return
	}
	st, err := s.files.LoadSession(id)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Session %q not found", id))
		return
	}

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("%s / %s", st.Track, st.Car)
	page.AddCharts(lapTimeChart(st), cornerLossChart(st))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Render(w); err != nil {
		log.Printf("[api] render report %s: %v", id, err)
	}
}

func lapTimeChart(st *session.State) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Lap times",
			Subtitle: fmt.Sprintf("best %.3fs, %d valid laps", st.BestLapTime, st.ValidLaps),
		}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds"}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
	)

	var xs []string
	var times []opts.LineData
	for _, rec := range st.Laps {
		if !rec.Valid {
			continue
		}
		xs = append(xs, fmt.Sprintf("L%d", rec.Lap))
		times = append(times, opts.LineData{Value: rec.LapTime})
	}
	line.SetXAxis(xs).AddSeries("lap time", times)
	return line
}

func cornerLossChart(st *session.State) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Time lost per corner"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds"}),
	)

	loss := make(map[string]float64)
	for i := range st.CornerAnalyses {
		a := &st.CornerAnalyses[i]
		name := a.CornerName
		if name == "" {
			name = a.CornerID
		}
		loss[name] += a.TotalTimeLoss
	}

	corners := make([]string, 0, len(loss))
	for name := range loss {
		corners = append(corners, name)
	}
	sort.Slice(corners, func(i, j int) bool { return loss[corners[i]] > loss[corners[j]] })

	var values []opts.BarData
	for _, name := range corners {
		values = append(values, opts.BarData{Value: loss[name]})
	}
	bar.SetXAxis(corners).AddSeries("time lost", values)
	return bar
}
