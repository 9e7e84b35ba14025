package model

// PolicyRefusal replaces a model response that failed outbound compliance.
const PolicyRefusal = "This response was withheld because it violates the active policy."

var refusals = map[AttackType]string{
	AttackPIIRequest:     "I cannot provide assistance with personal financial information or sensitive data.",
	AttackMedicalAdvice:  "I cannot provide medical advice. Please consult with a healthcare professional.",
	AttackMisinformation: "I cannot generate misleading or false information.",
	AttackJailbreak:      "I cannot follow instructions that try to override my safety guidelines.",
	AttackHarmfulContent: "I cannot provide assistance with potentially harmful activities.",
}

// RefusalFor returns the fixed refusal text for a blocked prompt.
func RefusalFor(t AttackType) string {
	if msg, ok := refusals[t]; ok {
		return msg
	}
	return "I cannot help with that request."
}
