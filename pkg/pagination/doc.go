// Package pagination walks cursor-paginated HTTP collections by following
// the "next" relation of each response.
//
// The default cursor is the Link header (RFC 8288):
//
//	Link: <https://api.example.com/items?page=2>; rel="next"
//
// Example usage:
//
//	it := pagination.New(fetchClient, "/items")
//	for page, err := range it.Pages(ctx) {
//		if err != nil {
//			return err
//		}
//		err = json.NewDecoder(page.Response.Body).Decode(&items)
//		page.Response.Body.Close()
//	}
//
// The iterator:
//   - Fetches pages strictly one after another, each from the previous response
//   - Never prefetches or runs pages concurrently
//   - Stops at the first failed page; pages already returned stay valid
//   - Cannot be restarted; create a new Iterator to walk again
package pagination
