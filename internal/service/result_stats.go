package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"study-engine/internal/dao"
	"study-engine/internal/model"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/duke-git/lancet/v2/slice"
)

// BatchStats 一个 batch 的结果统计
type BatchStats struct {
	BatchID uint   `json:"batch_id"`
	Title   string `json:"title"`

	Total  int                    `json:"total"`
	States map[model.RunState]int `json:"states"`
	// 已结束的 run 里 FINISHED 的比例及其 95% 置信区间
	CompletionRate float64 `json:"completion_rate"`
	CI95Low        float64 `json:"ci95_low"`
	CI95High       float64 `json:"ci95_high"`
	// FINISHED 的 run 用时（秒）
	MeanDurationSec float64 `json:"mean_duration_sec"`
	P50DurationSec  float64 `json:"p50_duration_sec"`
	P90DurationSec  float64 `json:"p90_duration_sec"`
	Workers         int     `json:"workers"`
}

// StudyStats study 下各 batch 的统计
type StudyStats struct {
	StudyID uint         `json:"study_id"`
	Title   string       `json:"title"`
	Batches []BatchStats `json:"batches"`
	Overall BatchStats   `json:"overall"`
}

type ResultStats struct {
	daos *dao.Set
}

func NewResultStats(daos *dao.Set) *ResultStats {
	return &ResultStats{daos: daos}
}

// ForStudy 调用方已检查权限
func (s *ResultStats) ForStudy(ctx context.Context, studyID uint) (*StudyStats, error) {
	daos := s.daos.Reporting()
	study, err := loadStudy(ctx, daos, studyID)
	if err != nil {
		return nil, err
	}
	batches, err := daos.Batches.FindAllBy(ctx, "study_id = ?", study.ID)
	if err != nil {
		return nil, storageErr(err, "查询 study %d 的 batch 失败", study.ID)
	}
	runs, err := daos.StudyRuns.FindAllByStudy(ctx, study.ID)
	if err != nil {
		return nil, storageErr(err, "查询 study %d 的 run 失败", study.ID)
	}

	out := &StudyStats{StudyID: study.ID, Title: study.Title, Batches: make([]BatchStats, 0, len(batches))}
	for _, b := range batches {
		of := slice.Filter(runs, func(_ int, r model.StudyRun) bool { return r.BatchID == b.ID })
		bs := calcBatchStats(of)
		bs.BatchID, bs.Title = b.ID, b.Title
		out.Batches = append(out.Batches, bs)
	}
	out.Overall = calcBatchStats(runs)
	return out, nil
}

// 用时按毫秒记录，上限一周
const maxDurationMillis = int64(7 * 24 * time.Hour / time.Millisecond)

func calcBatchStats(runs []model.StudyRun) BatchStats {
	bs := BatchStats{Total: len(runs), States: map[model.RunState]int{}}
	workers := map[uint]struct{}{}
	hist := hdrhistogram.New(1, maxDurationMillis, 3)
	var done, finished int
	var total time.Duration
	for _, r := range runs {
		bs.States[r.State]++
		workers[r.WorkerID] = struct{}{}
		if !r.State.IsDone() {
			continue
		}
		done++
		if r.State == model.RunStateFinished {
			finished++
			if r.EndDate != nil {
				d := r.EndDate.Sub(r.StartDate)
				total += d
				_ = hist.RecordValue(clampMillis(d))
			}
		}
	}
	bs.Workers = len(workers)
	if done > 0 {
		bs.CompletionRate = float64(finished) / float64(done)
		bs.CI95Low, bs.CI95High = wilsonCI(finished, done, 1.96)
	}
	if finished > 0 {
		bs.MeanDurationSec = total.Seconds() / float64(finished)
	}
	if hist.TotalCount() > 0 {
		bs.P50DurationSec = float64(hist.ValueAtQuantile(50)) / 1000
		bs.P90DurationSec = float64(hist.ValueAtQuantile(90)) / 1000
	}
	return bs
}

func clampMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	if ms > maxDurationMillis {
		return maxDurationMillis
	}
	return ms
}

// wilsonCI 比例的 Wilson 区间
func wilsonCI(k int, n int, z float64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(k) / float64(n)
	zz := z * z
	den := 1 + zz/float64(n)
	center := (p + zz/(2*float64(n))) / den
	half := (z / den) * math.Sqrt((p*(1-p)+zz/(4*float64(n)))/float64(n))
	return math.Max(0, center-half), math.Min(1, center+half)
}

var reportStates = []model.RunState{
	model.RunStatePre,
	model.RunStateStarted,
	model.RunStateDataRetrieved,
	model.RunStateFinished,
	model.RunStateAborted,
	model.RunStateFail,
}

// RenderStatsMarkdown 结果概览，给操作员下载
func RenderStatsMarkdown(st *StudyStats) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# %s 结果概览\n\n", st.Title))
	b.WriteString(fmt.Sprintf("- study_id: %d\n", st.StudyID))
	b.WriteString(fmt.Sprintf("- study runs: %d\n", st.Overall.Total))
	b.WriteString(fmt.Sprintf("- workers: %d\n\n", st.Overall.Workers))

	b.WriteString("| batch | N |")
	for _, s := range reportStates {
		b.WriteString(fmt.Sprintf(" %s |", s))
	}
	b.WriteString(" 完成率 | CI95 | 平均用时(s) | P90(s) |\n")
	b.WriteString("| --- | ---: |")
	for range reportStates {
		b.WriteString(" ---: |")
	}
	b.WriteString(" ---: | --- | ---: | ---: |\n")

	row := func(name string, s BatchStats) {
		b.WriteString(fmt.Sprintf("| %s | %d |", name, s.Total))
		for _, state := range reportStates {
			b.WriteString(fmt.Sprintf(" %d |", s.States[state]))
		}
		b.WriteString(fmt.Sprintf(" %.3f | [%.3f, %.3f] | %.1f | %.1f |\n",
			s.CompletionRate, s.CI95Low, s.CI95High, s.MeanDurationSec, s.P90DurationSec))
	}
	for _, bs := range st.Batches {
		row(bs.Title, bs)
	}
	row("全部", st.Overall)
	return b.String()
}
