// Package intent implements the staged intent classifier.
//
// An utterance passes through up to four stages, each slower and more capable
// than the last: literal pattern matching, embedding centroid similarity, a
// local fine-tuned model, and finally an LLM fallback. Each stage either
// decides or passes the utterance on; the first decision wins. The stages
// share a fixed taxonomy of leaf intents grouped into seven families.
//
// See [Cascade] for the stage wiring and [Stage] for the per-stage contract.
package intent

// Intent is a leaf label from the taxonomy.
type Intent string

// Family groups related intents; context-assembly strategy and executor
// service mapping key off the family.
type Family string

const (
	FamilyHomeControl  Family = "home_control"
	FamilyInformation  Family = "information"
	FamilyTasks        Family = "tasks"
	FamilyMemory       Family = "memory"
	FamilyMode         Family = "mode"
	FamilyConversation Family = "conversation"
	FamilySystem       Family = "system"
)

// Home control.
const (
	LightControl   Intent = "light_control"
	ClimateControl Intent = "climate_control"
	LockControl    Intent = "lock_control"
	CoverControl   Intent = "cover_control"
	MediaControl   Intent = "media_control"
	SceneControl   Intent = "scene_control"
)

// Information queries.
const (
	TimeQuery     Intent = "time_query"
	WeatherQuery  Intent = "weather_query"
	CalendarQuery Intent = "calendar_query"
	EmailQuery    Intent = "email_query"
	LocationQuery Intent = "location_query"
	GeneralQuery  Intent = "general_query"
)

// Tasks.
const (
	TimerSet    Intent = "timer_set"
	TimerQuery  Intent = "timer_query"
	TimerCancel Intent = "timer_cancel"
	ReminderSet Intent = "reminder_set"
	TodoAdd     Intent = "todo_add"
	TodoQuery   Intent = "todo_query"
)

// Memory.
const (
	MemoryCreate Intent = "memory_create"
	MemoryQuery  Intent = "memory_query"
	MemoryDelete Intent = "memory_delete"
	MemorySearch Intent = "memory_search"
)

// Modes.
const (
	ModeConversationStart Intent = "mode_conversation_start"
	ModeConversationEnd   Intent = "mode_conversation_end"
	ModeNotesStart        Intent = "mode_notes_start"
	ModeNotesEnd          Intent = "mode_notes_end"
	ModeJournalStart      Intent = "mode_journal_start"
	ModeJournalEnd        Intent = "mode_journal_end"
	ModeAmbientStart      Intent = "mode_ambient_start"
	ModeAmbientEnd        Intent = "mode_ambient_end"
)

// Conversation.
const (
	Greeting     Intent = "greeting"
	Farewell     Intent = "farewell"
	FollowUp     Intent = "follow_up"
	Clarify      Intent = "clarification"
	Confirmation Intent = "confirmation"
	Chitchat     Intent = "chitchat"
)

// System.
const (
	Help    Intent = "help"
	Repeat  Intent = "repeat"
	Cancel  Intent = "cancel"
	Unknown Intent = "unknown"
)

// families maps every leaf intent to its family.
var families = map[Intent]Family{
	LightControl: FamilyHomeControl, ClimateControl: FamilyHomeControl,
	LockControl: FamilyHomeControl, CoverControl: FamilyHomeControl,
	MediaControl: FamilyHomeControl, SceneControl: FamilyHomeControl,

	TimeQuery: FamilyInformation, WeatherQuery: FamilyInformation,
	CalendarQuery: FamilyInformation, EmailQuery: FamilyInformation,
	LocationQuery: FamilyInformation, GeneralQuery: FamilyInformation,

	TimerSet: FamilyTasks, TimerQuery: FamilyTasks, TimerCancel: FamilyTasks,
	ReminderSet: FamilyTasks, TodoAdd: FamilyTasks, TodoQuery: FamilyTasks,

	MemoryCreate: FamilyMemory, MemoryQuery: FamilyMemory,
	MemoryDelete: FamilyMemory, MemorySearch: FamilyMemory,

	ModeConversationStart: FamilyMode, ModeConversationEnd: FamilyMode,
	ModeNotesStart: FamilyMode, ModeNotesEnd: FamilyMode,
	ModeJournalStart: FamilyMode, ModeJournalEnd: FamilyMode,
	ModeAmbientStart: FamilyMode, ModeAmbientEnd: FamilyMode,

	Greeting: FamilyConversation, Farewell: FamilyConversation,
	FollowUp: FamilyConversation, Clarify: FamilyConversation,
	Confirmation: FamilyConversation, Chitchat: FamilyConversation,

	Help: FamilySystem, Repeat: FamilySystem,
	Cancel: FamilySystem, Unknown: FamilySystem,
}

// speculationSafe lists intents whose actions may be dispatched before the
// response pipeline finishes. Lock, scene, and memory intents are excluded
// unconditionally: undoing an unlocked door or a stored memory is not an
// acceptable failure mode.
var speculationSafe = map[Intent]bool{
	LightControl:   true,
	ClimateControl: true,
	MediaControl:   true,
	CoverControl:   true,
	TimeQuery:      true,
	WeatherQuery:   true,
}

// IsValid reports whether i is a known leaf intent.
func (i Intent) IsValid() bool {
	_, ok := families[i]
	return ok
}

// Family returns the family i belongs to, or the empty Family for unknown
// labels.
func (i Intent) Family() Family {
	return families[i]
}

// SpeculationSafe reports whether i is in the speculative execution safe set.
func (i Intent) SpeculationSafe() bool {
	return speculationSafe[i]
}

// All returns every leaf intent in a stable order. Used to enumerate the
// taxonomy in LLM prompts and training exports.
func All() []Intent {
	return []Intent{
		LightControl, ClimateControl, LockControl, CoverControl, MediaControl, SceneControl,
		TimeQuery, WeatherQuery, CalendarQuery, EmailQuery, LocationQuery, GeneralQuery,
		TimerSet, TimerQuery, TimerCancel, ReminderSet, TodoAdd, TodoQuery,
		MemoryCreate, MemoryQuery, MemoryDelete, MemorySearch,
		ModeConversationStart, ModeConversationEnd, ModeNotesStart, ModeNotesEnd,
		ModeJournalStart, ModeJournalEnd, ModeAmbientStart, ModeAmbientEnd,
		Greeting, Farewell, FollowUp, Clarify, Confirmation, Chitchat,
		Help, Repeat, Cancel, Unknown,
	}
}
