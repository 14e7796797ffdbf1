package app

import (
	"strconv"
	"time"

	"clarvoy/api/internal/store"
)

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func decisionJSON(d store.Decision) map[string]any {
	return map[string]any{
		"id":               d.ID,
		"title":            d.Title,
		"description":      d.Description,
		"category":         d.Category,
		"status":           d.Status,
		"deadline":         timeOrNil(d.Deadline),
		"authorId":         d.AuthorID,
		"outcome":          d.Outcome,
		"consensusReached": d.ConsensusReached,
		"isDemo":           d.IsDemo,
		"createdAt":        d.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":        d.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func judgmentJSON(j store.Judgment) map[string]any {
	return map[string]any{
		"id":          j.ID,
		"decisionId":  j.DecisionID,
		"userId":      j.UserID,
		"score":       j.Score,
		"rationale":   j.Rationale,
		"submittedAt": j.SubmittedAt.UTC().Format(time.RFC3339),
	}
}

func commentJSON(c store.Comment) map[string]any {
	return map[string]any{
		"id":            c.ID,
		"decisionId":    c.DecisionID,
		"userId":        c.UserID,
		"content":       c.Content,
		"isAiGenerated": c.IsAIGenerated,
		"createdAt":     c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// attachmentJSON leaves out the extracted text; it has its own endpoint.
func attachmentJSON(a store.Attachment) map[string]any {
	return map[string]any{
		"id":         a.ID,
		"decisionId": a.DecisionID,
		"userId":     a.UserID,
		"fileName":   a.FileName,
		"fileType":   a.FileType,
		"fileSize":   a.FileSize,
		"objectPath": a.ObjectPath,
		"hasText":    a.ExtractedText != nil,
		"context":    a.Context,
		"createdAt":  a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func auditJSON(l store.AuditLog) map[string]any {
	return map[string]any{
		"id":         l.ID,
		"userId":     l.UserID,
		"action":     l.Action,
		"entityType": l.EntityType,
		"entityId":   l.EntityID,
		"details":    l.Details,
		"createdAt":  l.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// nonprofitJSON never includes the raw upstream payload.
func nonprofitJSON(p store.NonprofitProfile) map[string]any {
	return map[string]any{
		"id":              p.ID,
		"ein":             p.EIN,
		"name":            p.Name,
		"city":            p.City,
		"state":           p.State,
		"taxStatus":       p.TaxStatus,
		"nteeCode":        p.NTEECode,
		"isPublicCharity": p.IsPublicCharity,
		"isTaxDeductible": p.IsTaxDeductible,
		"revenue":         p.Revenue,
		"expenses":        p.Expenses,
		"assets":          p.Assets,
		"employeeCount":   p.EmployeeCount,
		"fetchedAt":       timeOrNil(p.FetchedAt),
	}
}

func opportunityJSON(o store.GrantOpportunity) map[string]any {
	return map[string]any{
		"id":              o.ID,
		"externalId":      o.ExternalID,
		"title":           o.Title,
		"agency":          o.Agency,
		"fundingCategory": o.FundingCategory,
		"awardFloor":      o.AwardFloor,
		"awardCeiling":    o.AwardCeiling,
		"openDate":        o.OpenDate,
		"closeDate":       o.CloseDate,
		"description":     o.Description,
		"relevanceScore":  o.RelevanceScore,
	}
}

func grantAlertJSON(a store.GrantAlert) map[string]any {
	out := map[string]any{
		"id":                 a.ID,
		"grantOpportunityId": a.GrantOpportunityID,
		"relevanceScore":     a.RelevanceScore,
		"relevanceReason":    a.RelevanceReason,
		"matchedKeywords":    a.MatchedKeywords,
		"status":             a.Status,
		"createdAt":          a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.MatchedKeywords == nil {
		out["matchedKeywords"] = []string{}
	}
	if a.Opportunity != nil {
		out["opportunity"] = opportunityJSON(*a.Opportunity)
	}
	return out
}

func grantHistoryJSON(items []store.OrgGrantHistory) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, g := range items {
		out = append(out, map[string]any{
			"id":         g.ID,
			"funderName": g.FunderName,
			"amount":     g.Amount,
			"year":       g.Year,
			"sourceUrl":  g.SourceURL,
			"notes":      g.Notes,
		})
	}
	return out
}

func mapSlice[T any](items []T, fn func(T) map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, fn(item))
	}
	return out
}
