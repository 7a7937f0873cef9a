/*
Package invoker executes one backend subprocess per invocation and speaks
the stdout protocol back to the scheduler.

Two adapters exist. The hosted adapter drives an API-backed CLI: it strips
the input file down to the raw prompt, resolves a resumable session, spawns
the CLI with the prompt and turn budget, and captures stderr to a log file.
The local adapter probes the model daemon first (exit 2 when unreachable),
prepends a complexity-dependent system prompt, and pipes the prompt to the
model; it has no session concept.

All stderr interpretation — session ids, turn counts, rate-limit signals —
lives behind the StderrParser interface so the brittle regexes stay in one
place per backend.

The protocol on stdout is bit-exact and order-free:

	SESSION_ID:<id>
	TURNS_USED:<n>
	TOKEN_EXHAUSTED:<reset-token>

Exit codes: 0 success, 1 argument/environment error, 2 local daemon down,
10 rate limited, anything else propagated from the backend. TOKEN_EXHAUSTED
is exclusive with success and always paired with exit 10.

On success the adapter writes the response file atomically with the frame
markers, so a watcher never observes a half-written turn.
*/
package invoker
