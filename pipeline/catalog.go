// Package pipeline provides the recipe execution engine for RecipeFlow-Go.
package pipeline

// The built-in catalog wires the four standard recipes of the
// continuing-education content pipeline. All four compose the same node
// kinds, share agent names, and end at a node called "terminal", so a
// registry that binds the names below can serve every recipe.

// Agent and evaluator names the catalog recipes declare.
const (
	AgentResearch         = "research_agent"
	AgentClinical         = "clinical_agent"
	AgentGapAnalysis      = "gap_analysis_agent"
	AgentObjectives       = "objectives_agent"
	AgentNeedsAssessment  = "needs_assessment_agent"
	AgentPractice         = "practice_agent"
	AgentCurriculumDesign = "curriculum_design_agent"
	AgentModuleOutline    = "module_outline_agent"
	AgentFunderIntel      = "funder_intel_agent"
	AgentEvidence         = "evidence_agent"
	AgentGrantWriter      = "grant_writer_agent"
	AgentProtocol         = "protocol_agent"
	AgentMarketing        = "marketing_agent"
	AgentCompletion       = "completion_agent"

	GateProseQuality = "prose_quality_gate"
	GateCompliance   = "compliance_gate"
)

// Catalog returns the four standard recipes: needs, curriculum, grant,
// and full. Each call builds fresh instances, so callers may register
// them with independent engines.
func Catalog() []*Recipe {
	return []*Recipe{
		NeedsRecipe(),
		CurriculumRecipe(),
		GrantRecipe(),
		FullRecipe(),
	}
}

// NeedsRecipe produces a needs-assessment document: parallel literature
// and clinical research, gap analysis, learning objectives, the
// assessment draft, then a prose-quality gate that loops the draft
// until it passes or escalates, and a final human sign-off.
func NeedsRecipe() *Recipe {
	return buildRecipe("needs", "early_research").
		add(
			ParallelNode("early_research",
				StageNode("research", AgentResearch, "research_findings"),
				StageNode("clinical", AgentClinical, "clinical_context"),
			),
			StageNode("gap_analysis", AgentGapAnalysis, "gap_analysis"),
			StageNode("learning_objectives", AgentObjectives, "learning_objectives"),
			StageNode("needs_assessment", AgentNeedsAssessment, "needs_assessment"),
			GateNode("prose_quality", GateSpec{Evaluator: GateProseQuality}),
			ReviewNode("human_review", ReviewSpec{RevisionTarget: "needs_assessment"}),
			TerminalNode("terminal"),
		).
		connect("early_research", "done", "gap_analysis").
		connect("gap_analysis", "done", "learning_objectives").
		connect("learning_objectives", "done", "needs_assessment").
		connect("needs_assessment", "done", "prose_quality").
		connect("prose_quality", "continue", "human_review").
		connect("prose_quality", "retry", "needs_assessment").
		connect("prose_quality", "escalate", "terminal").
		connect("human_review", "approve", "terminal").
		connect("human_review", "reject", "terminal").
		build()
}

// CurriculumRecipe designs a curriculum: parallel research on the
// literature and on practice patterns, the curriculum design, module
// outlines, a prose-quality gate over the outlines, and human sign-off.
func CurriculumRecipe() *Recipe {
	return buildRecipe("curriculum", "curriculum_research").
		add(
			ParallelNode("curriculum_research",
				StageNode("research", AgentResearch, "research_findings"),
				StageNode("practice_patterns", AgentPractice, "practice_patterns"),
			),
			StageNode("curriculum_design", AgentCurriculumDesign, "curriculum_design"),
			StageNode("module_outlines", AgentModuleOutline, "module_outlines"),
			GateNode("prose_quality", GateSpec{Evaluator: GateProseQuality}),
			ReviewNode("human_review", ReviewSpec{RevisionTarget: "module_outlines"}),
			TerminalNode("terminal"),
		).
		connect("curriculum_research", "done", "curriculum_design").
		connect("curriculum_design", "done", "module_outlines").
		connect("module_outlines", "done", "prose_quality").
		connect("prose_quality", "continue", "human_review").
		connect("prose_quality", "retry", "module_outlines").
		connect("prose_quality", "escalate", "terminal").
		connect("human_review", "approve", "terminal").
		connect("human_review", "reject", "terminal").
		build()
}

// GrantRecipe writes a grant application: parallel funder intelligence
// and evidence gathering, the draft, a compliance gate whose retry
// label is "revision_required", and human sign-off.
func GrantRecipe() *Recipe {
	return buildRecipe("grant", "grant_research").
		add(
			ParallelNode("grant_research",
				StageNode("funder_profile", AgentFunderIntel, "funder_profile"),
				StageNode("evidence_base", AgentEvidence, "evidence_base"),
			),
			StageNode("grant_writer", AgentGrantWriter, "grant_draft"),
			GateNode("compliance", GateSpec{Evaluator: GateCompliance, RetryLabel: "revision_required"}),
			ReviewNode("human_review", ReviewSpec{RevisionTarget: "grant_writer"}),
			TerminalNode("terminal"),
		).
		connect("grant_research", "done", "grant_writer").
		connect("grant_writer", "done", "compliance").
		connect("compliance", "continue", "human_review").
		connect("compliance", "revision_required", "grant_writer").
		connect("compliance", "escalate", "terminal").
		connect("human_review", "approve", "terminal").
		connect("human_review", "reject", "terminal").
		build()
}

// FullRecipe runs the whole pipeline end to end: the needs-assessment
// prefix, a three-way design phase, the grant draft behind two gates
// (prose quality, then compliance), human sign-off, and a completion
// stage that assembles the final package.
func FullRecipe() *Recipe {
	return buildRecipe("full", "early_research").
		add(
			ParallelNode("early_research",
				StageNode("research", AgentResearch, "research_findings"),
				StageNode("clinical", AgentClinical, "clinical_context"),
			),
			StageNode("gap_analysis", AgentGapAnalysis, "gap_analysis"),
			StageNode("learning_objectives", AgentObjectives, "learning_objectives"),
			StageNode("needs_assessment", AgentNeedsAssessment, "needs_assessment"),
			GateNode("prose_quality", GateSpec{Evaluator: GateProseQuality}),
			ParallelNode("design_phase",
				StageNode("curriculum", AgentCurriculumDesign, "curriculum_design"),
				StageNode("protocol", AgentProtocol, "protocol_outline"),
				StageNode("marketing", AgentMarketing, "marketing_copy"),
			),
			StageNode("grant_writer", AgentGrantWriter, "grant_draft"),
			GateNode("prose_quality_2", GateSpec{Evaluator: GateProseQuality}),
			GateNode("compliance", GateSpec{Evaluator: GateCompliance, RetryLabel: "revision_required"}),
			ReviewNode("human_review", ReviewSpec{RevisionTarget: "grant_writer"}),
			StageNode("complete", AgentCompletion, "final_package"),
			TerminalNode("terminal"),
		).
		connect("early_research", "done", "gap_analysis").
		connect("gap_analysis", "done", "learning_objectives").
		connect("learning_objectives", "done", "needs_assessment").
		connect("needs_assessment", "done", "prose_quality").
		connect("prose_quality", "continue", "design_phase").
		connect("prose_quality", "retry", "needs_assessment").
		connect("prose_quality", "escalate", "terminal").
		connect("design_phase", "done", "grant_writer").
		connect("grant_writer", "done", "prose_quality_2").
		connect("prose_quality_2", "continue", "compliance").
		connect("prose_quality_2", "retry", "grant_writer").
		connect("prose_quality_2", "escalate", "terminal").
		connect("compliance", "continue", "human_review").
		connect("compliance", "revision_required", "grant_writer").
		connect("compliance", "escalate", "terminal").
		connect("human_review", "approve", "complete").
		connect("human_review", "reject", "terminal").
		connect("complete", "done", "terminal").
		build()
}

// recipeBuilder accumulates Add and Connect errors so catalog recipes
// read as declarations. The catalog is static, so an error here is a
// programming mistake and panics at process start.
type recipeBuilder struct {
	rec *Recipe
	err error
}

func buildRecipe(id, entry string) *recipeBuilder {
	return &recipeBuilder{rec: NewRecipe(id, entry)}
}

func (b *recipeBuilder) add(nodes ...Node) *recipeBuilder {
	for _, n := range nodes {
		if b.err != nil {
			return b
		}
		b.err = b.rec.Add(n)
	}
	return b
}

func (b *recipeBuilder) connect(from, outcome, to string) *recipeBuilder {
	if b.err == nil {
		b.err = b.rec.Connect(from, outcome, to)
	}
	return b
}

func (b *recipeBuilder) build() *Recipe {
	if b.err == nil {
		b.err = b.rec.Validate()
	}
	if b.err != nil {
		panic("pipeline: invalid catalog recipe " + b.rec.ID + ": " + b.err.Error())
	}
	return b.rec
}
