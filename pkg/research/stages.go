package research

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/invoke"
	"github.com/zen-systems/salesflow/pkg/pipeline"
)

// Similarity weights and limits for matching won deals.
const (
	industryWeight = 40
	regionWeight   = 30
	valueWeight    = 20
	minSimilarity  = 30
	maxSimilar     = 5
	// Notes are attached to the best few matches only.
	notedDeals   = 3
	notesPerDeal = 3
)

const (
	failedStrategy  = "Strategy generation failed. Review the research data manually."
	failedNotesText = "Analysis failed. Review the notes manually."
)

type stages struct {
	r      *Research
	budget *invoke.Budget
}

func (s *stages) funcs() map[string]pipeline.StageFunc {
	return map[string]pipeline.StageFunc{
		"gather_context":    s.gatherContext,
		"web_research":      s.webResearch,
		"analyze_notes":     s.analyzeNotes,
		"match_past_wins":   s.matchPastWins,
		"generate_strategy": s.generateStrategy,
		"save_research":     s.saveResearch,
	}
}

func (s *stages) call(ctx context.Context, leadID, system, prompt string, maxTokens int) (*invoke.Result, error) {
	res, err := s.r.invoker.Invoke(ctx, invoke.Call{
		TaskType:  TaskResearch,
		System:    system,
		Prompt:    prompt,
		MaxTokens: maxTokens,
		EntityID:  leadID,
		RunID:     pipeline.RunID(ctx),
		Budget:    s.budget,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.Content) == "" {
		return nil, errors.New("empty response")
	}
	return res, nil
}

func (s *stages) gatherContext(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	id, _ := pipeline.Get[string](in, "lead_id")
	if id == "" {
		return nil, errors.New("lead id is required")
	}
	lead, err := s.r.source.Lead(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load lead %s: %w", id, err)
	}
	s.r.logf("research: gathered %s: %d notes, %d activities", orDefault(lead.Company, id), len(lead.Notes), len(lead.Activities))
	return pipeline.State{"lead": lead}, nil
}

func (s *stages) webResearch(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	lead, _ := pipeline.Get[daily.Lead](in, "lead")
	res, err := s.call(ctx, lead.ID, webSystem, webPrompt(lead), 2048)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return pipeline.State{"web_research": WebResearch{Error: err.Error()}}, pipeline.Partial(fmt.Errorf("web research: %w", err))
	}
	out := WebResearch{Text: strings.TrimSpace(res.Content)}
	info, err := companyInfo(out.Text)
	if err != nil {
		s.r.logf("research: company info for %s not parsed: %v", lead.ID, err)
	}
	out.CompanyInfo = info
	return pipeline.State{"web_research": out}, nil
}

func (s *stages) analyzeNotes(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	lead, _ := pipeline.Get[daily.Lead](in, "lead")
	if len(lead.Notes) == 0 && len(lead.Activities) == 0 {
		return pipeline.State{"notes_analysis": NotesAnalysis{
			Summary:    "No CRM notes or activities found for this lead.",
			PainPoints: []string{},
			Objections: []string{},
		}}, nil
	}
	res, err := s.call(ctx, lead.ID, notesSystem, notesPrompt(lead), 1536)
	var analysis NotesAnalysis
	if err == nil {
		err = decodeObject(res.Content, notesSchema, &analysis)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		failed := NotesAnalysis{Summary: failedNotesText, PainPoints: []string{}, Objections: []string{}, Error: err.Error()}
		return pipeline.State{"notes_analysis": failed}, pipeline.Partial(fmt.Errorf("analyze notes: %w", err))
	}
	s.r.logf("research: %d pain points, %d objections for %s", len(analysis.PainPoints), len(analysis.Objections), lead.ID)
	return pipeline.State{"notes_analysis": analysis}, nil
}

func (s *stages) matchPastWins(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	lead, _ := pipeline.Get[daily.Lead](in, "lead")
	won, err := s.r.source.WonDeals(ctx)
	if err != nil {
		return nil, fmt.Errorf("load won deals: %w", err)
	}
	deals := SimilarDeals(lead, won)
	s.r.logf("research: %d similar won deals for %s", len(deals), lead.ID)
	return pipeline.State{"similar_deals": deals}, nil
}

// SimilarDeals ranks won deals by likeness to lead: same industry, same
// region and a deal value within half to double of the lead's. When the
// lead has an industry only deals in that industry are considered. At
// most five deals scoring 30 or more are returned, best first.
func SimilarDeals(lead daily.Lead, won []daily.Lead) []SimilarDeal {
	minValue, maxValue := 0.0, -1.0
	if lead.DealValue > 0 {
		minValue, maxValue = lead.DealValue*0.5, lead.DealValue*2
	}
	out := []SimilarDeal{}
	for _, d := range won {
		if d.ID == lead.ID || (lead.Industry != "" && d.Industry != lead.Industry) {
			continue
		}
		score := 0
		var reasons []string
		if lead.Industry != "" && d.Industry == lead.Industry {
			score += industryWeight
			reasons = append(reasons, "Same industry")
		}
		if lead.Region != "" && d.Region == lead.Region {
			score += regionWeight
			reasons = append(reasons, "Same region")
		}
		if d.DealValue >= minValue && (maxValue < 0 || d.DealValue <= maxValue) {
			score += valueWeight
			reasons = append(reasons, "Similar deal size")
		}
		if score < minSimilarity {
			continue
		}
		out = append(out, SimilarDeal{
			LeadID:       d.ID,
			Company:      orDefault(d.Company, "Unknown"),
			DealValue:    d.DealValue,
			Region:       d.Region,
			Industry:     d.Industry,
			Similarity:   score,
			MatchReasons: reasons,
			ClosedAt:     d.ClosedAt,
			WinningNotes: winningNotes(d),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].LeadID < out[j].LeadID
	})
	if len(out) > maxSimilar {
		out = out[:maxSimilar]
	}
	for i := notedDeals; i < len(out); i++ {
		out[i].WinningNotes = nil
	}
	return out
}

func winningNotes(d daily.Lead) []string {
	var notes []string
	for _, n := range d.Notes {
		if len(notes) == notesPerDeal {
			break
		}
		if text := strings.TrimSpace(n.Content); text != "" {
			notes = append(notes, text)
		}
	}
	return notes
}

func (s *stages) generateStrategy(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	lead, _ := pipeline.Get[daily.Lead](in, "lead")
	web, _ := pipeline.Get[WebResearch](in, "web_research")
	notes, _ := pipeline.Get[NotesAnalysis](in, "notes_analysis")
	deals, _ := pipeline.Get[[]SimilarDeal](in, "similar_deals")

	res, err := s.call(ctx, lead.ID, strategySystem, strategyPrompt(lead, web, notes, deals), 3072)
	var strategy Strategy
	if err == nil {
		err = decodeObject(res.Content, strategySchema, &strategy)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		failed := Strategy{CloseStrategy: failedStrategy, TalkingPoints: []string{}, Error: err.Error()}
		return pipeline.State{"strategy": failed}, pipeline.Partial(fmt.Errorf("generate strategy: %w", err))
	}
	strategy.Capability = res.Capability.String()
	s.r.logf("research: strategy for %s with %d talking points", lead.ID, len(strategy.TalkingPoints))
	return pipeline.State{"strategy": strategy}, nil
}

func (s *stages) saveResearch(ctx context.Context, in pipeline.State) (pipeline.State, error) {
	id, _ := pipeline.Get[string](in, "lead_id")
	by, _ := pipeline.Get[string](in, "requested_by")
	at, _ := pipeline.Get[time.Time](in, "as_of")
	lead, _ := pipeline.Get[daily.Lead](in, "lead")
	web, _ := pipeline.Get[WebResearch](in, "web_research")
	notes, hasNotes := pipeline.Get[NotesAnalysis](in, "notes_analysis")
	deals, hasDeals := pipeline.Get[[]SimilarDeal](in, "similar_deals")
	strategy, _ := pipeline.Get[Strategy](in, "strategy")

	rec := LeadResearch{
		LeadID:       id,
		RunID:        pipeline.RunID(ctx),
		RequestedBy:  by,
		Company:      lead.Company,
		WebResearch:  web,
		Notes:        notes,
		SimilarDeals: deals,
		Strategy:     strategy,
		ResearchedAt: at,
	}
	for _, e := range []string{web.Error, notes.Error, strategy.Error} {
		if e != "" {
			rec.Errors = append(rec.Errors, e)
		}
	}
	if _, ok := in["web_research"]; !ok {
		rec.Errors = append(rec.Errors, "web research unavailable")
	}
	if !hasNotes {
		rec.Errors = append(rec.Errors, "notes analysis unavailable")
	}
	if !hasDeals {
		rec.Errors = append(rec.Errors, "similar deals unavailable")
		rec.SimilarDeals = []SimilarDeal{}
	}
	if err := s.r.sink.SaveResearch(ctx, rec); err != nil {
		return nil, fmt.Errorf("save research: %w", err)
	}
	s.r.logf("research: saved research for %s (%d errors)", id, len(rec.Errors))
	return pipeline.State{"research": rec}, nil
}
