// Package prompts holds the receptionist's default persona and canned
// utterances.
package prompts

// DefaultInstructions is the streaming backend's session persona when the
// deployment does not override it.
const DefaultInstructions = "You are a friendly office receptionist. Greet visitors, " +
	"collect their name and the purpose of their visit, and help them book " +
	"appointments. Keep responses short and conversational. Use the provided " +
	"functions to record information and book appointments."

// DefaultApology is spoken when every processing backend failed an exchange.
const DefaultApology = "I'm sorry, I'm having a little trouble on my end. " +
	"Could you say that again?"

// ForSession resolves the final instructions for a session.
func ForSession(instructions string) string {
	if instructions != "" {
		return instructions
	}
	return DefaultInstructions
}
