package llmexpert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/concilium/concilium/internal/domain/delib"
)

// System prompts. The panel works in Chinese; the scoring heuristics
// downstream match Chinese marker phrases in the responses.
const (
	coordinatorSystemPrompt  = "你是一位经验丰富的MDT（多学科团队）协调员，负责整合意见、识别冲突并提出综合诊疗路径。"
	pulmonarySystemPrompt    = "你是一位专业的呼吸科医生，在间质性肺病(ILD)诊断和治疗方面有丰富经验。"
	imagingSystemPrompt      = "你是一位专业的影像科医生，在间质性肺病(ILD)的影像学诊断方面有丰富经验。"
	pathologySystemPrompt    = "你是一位专业的病理科医生，在间质性肺病(ILD)的病理学诊断方面有丰富经验。"
	rheumatologySystemPrompt = "你是一位专业的风湿免疫科医生，在结缔组织病相关间质性肺病(CTD-ILD)诊断方面有丰富经验。"
	dataAnalysisSystemPrompt = "你是一位专业的医学数据分析专家，专注ILD相关定量数据分析。"
)

func caseSummary(c delib.CaseInfo) string {
	return fmt.Sprintf(`患者ID: %s
主要症状: %s
病史: %s
影像学结果: %s
实验室检查: %s
病理结果: %s
其他信息: %s`,
		c.Field("patient_id", "未知"),
		c.Field("symptoms", "未提供"),
		c.Field("medical_history", "未提供"),
		c.Field("imaging_results", "未提供"),
		c.Field("lab_results", "未提供"),
		c.Field("pathology_results", "未提供"),
		c.Field("additional_info", "未提供"))
}

func formatOpinions(opinions []delib.Opinion) string {
	if len(opinions) == 0 {
		return "暂无其他专家意见。"
	}
	var b strings.Builder
	for _, op := range opinions {
		if op.Err || op.Text == "" {
			continue
		}
		fmt.Fprintf(&b, "【%s】(%s):\n%s\n\n", op.Kind, op.Timestamp.Format("2006-01-02 15:04:05"), op.Text)
	}
	if b.Len() == 0 {
		return "暂无其他专家意见。"
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatDiscussionHistory groups opinions by round, analysis opinions first.
func formatDiscussionHistory(opinions []delib.Opinion) string {
	if len(opinions) == 0 {
		return "暂无之前的讨论记录。"
	}

	byRound := map[int][]delib.Opinion{}
	for _, op := range opinions {
		byRound[op.Round] = append(byRound[op.Round], op)
	}
	rounds := make([]int, 0, len(byRound))
	for r := range byRound {
		rounds = append(rounds, r)
	}
	sort.Ints(rounds)

	var b strings.Builder
	for _, r := range rounds {
		if r == 0 {
			b.WriteString("\n=== 前期分析意见 ===\n")
		} else {
			fmt.Fprintf(&b, "\n=== 第%d轮讨论 ===\n", r)
		}
		for _, op := range byRound[r] {
			if op.Err || op.Text == "" {
				continue
			}
			fmt.Fprintf(&b, "【%s】(%s):\n%s\n", op.Kind, op.Timestamp.Format("2006-01-02 15:04:05"), op.Text)
		}
	}
	return b.String()
}

func analysisPrompt(c delib.CaseInfo, focus, context string, prior []delib.Opinion) string {
	return fmt.Sprintf(`病例信息：
%s

%s

相关医学知识：
%s

其他专家意见：
%s

请根据以上信息提供你的专业分析和建议，并在结尾给出置信度（0-1）。`,
		caseSummary(c), focus, context, formatOpinions(prior))
}

func discussionPrompt(c delib.CaseInfo, specialty string, round int, context string, all []delib.Opinion) string {
	return fmt.Sprintf(`这是第%d轮MDT讨论。

【病例信息】
%s

【相关医学知识】
%s

【之前讨论记录】
%s

作为%s专家，请基于前面的讨论：
1. 重新审视你的观点
2. 回应其他专家提出的问题或分歧
3. 如果有新的见解，请详细说明
4. 如果坚持之前的观点，请提供更多支持证据
5. 对于其他专家的不同意见，请给出你的看法

请注意：这是多轮讨论，期望有更深入、更具体的分析。`,
		round, caseSummary(c), context, formatDiscussionHistory(all), specialty)
}

func conflictPrompt(c delib.CaseInfo, opinions []delib.Opinion) string {
	return fmt.Sprintf(`请分析以下MDT专家意见之间是否存在显著的冲突或分歧。

病例信息：
患者ID: %s
主要症状: %s

专家意见：
%s

请逐项对比各专家在诊断、治疗方案和随访建议上的立场，并明确说明：
- 第一行可按"检测结果：有冲突"或"检测结果：无冲突"给出明确结论
- 若意见总体一致，请使用"没有显著冲突"或"基本一致"描述
- 若存在实质分歧，请使用"存在分歧"或"有显著冲突"描述，并指出分歧焦点`,
		c.Field("patient_id", "N/A"), c.Field("symptoms", "N/A"), formatOpinions(opinions))
}

func consensusPrompt(opinions []delib.Opinion) string {
	return fmt.Sprintf(`请评估以下MDT专家意见的共识程度。

专家意见：
%s

请从诊断一致性、治疗方案一致性和随访建议一致性三个维度分析，
最后一行必须按如下格式给出量化结论：
共识评分：<0到1之间的小数>`,
		formatOpinions(opinions))
}

func finalPrompt(c delib.CaseInfo, opinionCount int, consensusStatus string, opinions []delib.Opinion) string {
	return fmt.Sprintf(`请作为MDT协调员，基于全部讨论形成最终综合建议。

病例信息：
%s

讨论概况：共收到 %d 条专家意见，%s。

各专家最终意见：
%s

请输出结构化的最终建议：
1. 病例摘要
2. 各专科要点
3. 诊断与分歧
4. 综合治疗方案
5. 随访计划`,
		caseSummary(c), opinionCount, consensusStatus, formatOpinions(opinions))
}
