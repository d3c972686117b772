package ai

// Prompts for the two inference stages. The classifier is tuned for speed
// and a tiny response; the analyzer gets the full incident context.

const classifierSystemPrompt = `You are an expert SRE analyzing container logs for anomalies.
Respond ONLY with a JSON object in this format:
{
    "is_anomaly": true/false,
    "confidence": 0.0-1.0,
    "anomaly_type": "crash|error|warning|performance|none",
    "severity": "low|medium|high|critical",
    "summary": "one-sentence description"
}

Common anomaly patterns:
- Crashes: "FATAL", "segmentation fault", "killed", "OOM"
- Errors: "ERROR", "Exception", "failed to", "connection refused"
- Performance: "timeout", "slow query", "high latency", "memory leak"
- Warnings: "deprecated", "retry", "fallback"
`

const classifierUserTemplate = `Service: %s

Recent logs:
` + "```\n%s\n```" + `%s

Analyze for anomalies. Respond with JSON only.`

const analyzerSystemPrompt = `You are a world-class Site Reliability Engineer with deep expertise in:
- Container orchestration (Docker, Kubernetes)
- Database systems (PostgreSQL, MySQL, Redis)
- Application debugging (Node.js, Python, Java, Go)
- Network troubleshooting
- Performance optimization

Given comprehensive system context, perform root cause analysis and provide actionable fixes.

Available gateway tools will be provided in the user message. Use only the tools listed there.

For each fix, provide structured JSON parameters that match the tool's input schema.
For example:
- For restart_container: {"container_name": "service-name", "reason": "description"}
- For update_env_vars: {"container_name": "service-name", "env_updates": {"KEY": "value"}}
- For update_resources: {"container_name": "service-name", "resources": {"memory": "512m", "cpu": "0.5"}}

Respond ONLY with a JSON object in this format:
{
    "root_cause": "detailed explanation of the underlying issue",
    "explanation": "step-by-step reasoning of how you arrived at this conclusion",
    "affected_components": ["component1", "component2"],
    "suggested_fixes": [
        {
            "action": "tool_name_from_available_tools",
            "target": "service_name",
            "parameters": {"structured": "json_parameters"},
            "priority": 1-5,
            "details": "how this fix addresses the root cause"
        }
    ],
    "confidence": 0.0-1.0,
    "prevention": "how to prevent this issue in the future"
}`

const analyzerUserTemplate = `Analyze this production incident and provide root cause + fixes:

%s

Your analysis:`

const humanSummaryTemplate = `Convert this technical root cause analysis into a simple, natural language explanation
that a non-technical stakeholder can understand.

Technical Analysis:
%s

Write two short paragraphs that cover:
1. What broke
2. Why it broke
3. What is being done to fix it
4. How long remediation is expected to take
`
