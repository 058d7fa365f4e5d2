// Package digest generates and delivers digest summaries.
//
// Runner is the delivery job: it drives one delivery record through the
// status lifecycle, calling the Generator (an OpenAI-compatible summarizer)
// and a channel Notifier (email or Telegram). Both calls happen outside any
// lock; the only synchronization is the storage layer's conditional status
// update, so two workers racing on the same delivery id resolve to exactly
// one generation.
package digest
