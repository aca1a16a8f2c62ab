// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package display

// Page is one navigation node: the command that created it plus the view
// state rendered for it.
type Page struct {
	Cmd  Command
	View View

	prev *Page
	next *Page
}

// PageList is the doubly-linked navigation stack. Pushing a page after the
// current one drops all its successors; the head is the home page.
type PageList struct {
	head    *Page
	tail    *Page
	cur     *Page
	nextRun *Page
	npages  int
}

// Current returns the page being shown.
func (l *PageList) Current() *Page {
	return l.cur
}

// SetCurrent records page as shown and returns it.
func (l *PageList) SetCurrent(page *Page) *Page {
	l.cur = page
	return page
}

// NextRun returns the page scheduled for the next draw.
func (l *PageList) NextRun() *Page {
	return l.nextRun
}

// SetNextRun schedules page for the next draw.
func (l *PageList) SetNextRun(page *Page) {
	l.nextRun = page
}

// CurPrev returns the page before the current one.
func (l *PageList) CurPrev() *Page {
	if l.cur == nil {
		return nil
	}
	return l.cur.prev
}

// Len returns the number of pages in the list.
func (l *PageList) Len() int {
	return l.npages
}

func (l *PageList) append(page *Page) {
	page.prev, page.next = nil, nil
	if l.tail != nil {
		l.tail.next = page
		page.prev = l.tail
	} else {
		l.head = page
	}
	l.tail = page
	l.npages++
}

// Create allocates a page for cmd, drops every page after the current one
// and appends the new page as the next to run.
func (l *PageList) Create(cmd Command) *Page {
	page := &Page{Cmd: cmd}
	l.DropNext(l.cur)
	l.append(page)
	l.nextRun = page
	return page
}

// DropNext frees every page after the given one.
func (l *PageList) DropNext(page *Page) {
	if page == nil {
		return
	}
	for next := page.next; next != nil; next = next.next {
		l.npages--
	}
	page.next = nil
	l.tail = page
}

// Reset empties the list.
func (l *PageList) Reset() {
	l.head = nil
	l.tail = nil
	l.cur = nil
	l.nextRun = nil
	l.npages = 0
}
