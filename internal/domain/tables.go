package domain

// Backend table names the client subscribes to or queries.
const (
	TableMessages     = "messages"
	TablePosts        = "posts"
	TableComments     = "comments"
	TableProfiles     = "profiles"
	TablePresence     = "presence"
	TableTransactions = "transactions"
	TableGoals        = "goals"
)

// Schema is the Postgres schema all client-visible tables live in.
const Schema = "public"
