package kaani

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/magsasa-card/magsasa/internal/model"
)

const systemPrompt = `You are KaAni, an agricultural diagnosis assistant for Filipino farmers.
Cover four areas: soil and climate, pests, disease, and fertilization.
Give practical advice in plain language, specific to Philippine conditions and locally available inputs.
Reply with a single JSON object of this shape:
{
  "soil_climate": {"assessment": "", "recommendations": [""], "confidence": 0.0},
  "pests": {"likely_pests": [""], "risk_level": "low|medium|high", "prevention": [""], "confidence": 0.0},
  "disease": {"likely_diseases": [""], "primary_cause": "", "treatment": [""], "confidence": 0.0},
  "fertilization": {"diagnosis": "", "recommendations": [""], "timing": "", "confidence": 0.0},
  "overall_confidence": 0.0,
  "priority_actions": [""],
  "follow_up_days": 7
}`

const recommendSystemPrompt = "You are an agricultural product recommendation expert."

// productsHeader introduces the catalog lines in the recommendation prompt.
const productsHeader = "Available products:"

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// diagnosisPrompt renders the sections present in the input.
func diagnosisPrompt(in FarmerInput, mode string) string {
	var b strings.Builder
	if l := in.Location; l != nil {
		fmt.Fprintf(&b, "Location: %s, %s\n", orUnknown(l.Province), orUnknown(l.Municipality))
	}
	if f := in.FarmProfile; f != nil {
		size := "Unknown"
		if f.SizeHectares > 0 {
			size = fmt.Sprintf("%g", f.SizeHectares)
		}
		fmt.Fprintf(&b, "Farm: %s hectares\n", size)
		fmt.Fprintf(&b, "Soil: %s\n", orUnknown(f.SoilType))
		fmt.Fprintf(&b, "Crop: %s\n", orUnknown(f.PrimaryCrop))
		fmt.Fprintf(&b, "Irrigation: %s\n", orUnknown(f.Irrigation))
	}
	if c := in.CurrentIssue; c != nil {
		problem := c.Problem
		if problem == "" {
			problem = "General consultation"
		}
		fmt.Fprintf(&b, "Problem: %s\n", problem)
		fmt.Fprintf(&b, "Severity: %s\n", orUnknown(c.Severity))
		fmt.Fprintf(&b, "Affected area: %s\n", orUnknown(c.AffectedArea))
		fmt.Fprintf(&b, "Duration: %s\n", orUnknown(c.Duration))
	}
	if s := in.SeasonInfo; s != nil {
		days := "Unknown"
		if s.DaysAfterPlanting > 0 {
			days = fmt.Sprint(s.DaysAfterPlanting)
		}
		fmt.Fprintf(&b, "Season: %s\n", orUnknown(s.PlantingSeason))
		fmt.Fprintf(&b, "Growth stage: %s\n", orUnknown(s.GrowthStage))
		fmt.Fprintf(&b, "Days after planting: %s\n", days)
	}
	if mode == model.DiagnosisQuick {
		b.WriteString("\nProvide a QUICK diagnosis with direct, actionable recommendations.")
	} else {
		b.WriteString("\nProvide a COMPREHENSIVE diagnosis with detailed analysis and multiple options.")
	}
	return b.String()
}

// recommendationPrompt lists the candidate products, one per line as
// "- name: category - description".
func recommendationPrompt(a Analysis, products []model.AgriculturalInput) string {
	analysis, _ := json.MarshalIndent(a, "", "  ")

	var b strings.Builder
	b.WriteString("Based on this agricultural diagnosis:\n")
	b.Write(analysis)
	b.WriteString("\n\n" + productsHeader + "\n")
	for _, p := range products {
		desc := p.Description
		if desc == "" {
			desc = strings.TrimSpace(p.Brand + " " + p.Name)
		}
		fmt.Fprintf(&b, "- %s: %s - %s\n", p.Name, p.Category, desc)
	}
	b.WriteString(`
Recommend the most suitable products for this farmer's situation, using the exact product names above. Return JSON:
{"recommendations": [{"product_name": "", "category": "", "priority": "high|medium|low", "reasoning": "", "quantity_estimate": "", "timing": "", "confidence": 0.0}]}`)
	return b.String()
}

// listedProducts extracts the product names from a recommendation prompt.
func listedProducts(prompt string) []string {
	_, list, ok := strings.Cut(prompt, productsHeader+"\n")
	if !ok {
		return nil
	}
	var names []string
	for _, line := range strings.Split(list, "\n") {
		rest, ok := strings.CutPrefix(line, "- ")
		if !ok {
			break
		}
		if name, _, ok := strings.Cut(rest, ": "); ok {
			names = append(names, name)
		}
	}
	return names
}
