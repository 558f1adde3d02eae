package action

import (
	"github.com/ticketd/trigger/ticket"
)

// TemplateScope assembles the scope message templates render against: the
// ticket plus several views of its recent articles, computed relative to
// the article that triggered the pass, or the newest articles when none
// was supplied. The explicit last/internal/external lookups exist because
// "the last article" is wrong when a notification trigger already appended
// its own article in the same pass.
func TemplateScope(tk *ticket.Ticket, created *ticket.Article) map[string]any {
	var last, lastInternal, lastExternal *ticket.Article

	internal := func(a *ticket.Article) bool { return a.Internal }
	external := func(a *ticket.Article) bool { return !a.Internal }

	if created == nil {
		last = tk.LastArticle()
		lastInternal = tk.LastArticleWhere(internal)
		lastExternal = tk.LastArticleWhere(external)
	} else {
		last = created
		if created.Internal {
			lastInternal = created
			lastExternal = tk.LastArticleWhere(external)
		} else {
			lastInternal = tk.LastArticleWhere(internal)
			lastExternal = created
		}
	}

	scope := map[string]any{
		"ticket":                tk,
		"article":               last,
		"last_article":          last,
		"last_internal_article": lastInternal,
		"last_external_article": lastExternal,
		"created_article":       created,
	}
	if created != nil {
		if created.Internal {
			scope["created_internal_article"] = created
		} else {
			scope["created_external_article"] = created
		}
	}
	return scope
}
