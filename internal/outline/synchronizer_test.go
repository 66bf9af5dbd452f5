package outline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docpilot/api/internal/auth"
	"docpilot/api/internal/project"
)

type fakeRemote struct {
	mu    sync.Mutex
	calls map[string]int

	fetchFn          func(ctx context.Context, projectID string) (project.Project, error)
	replaceOrderFn   func(ctx context.Context, projectID string, sectionIDs []string) error
	createSectionFn  func(ctx context.Context, projectID, title string) (project.Section, int, error)
	deleteSectionFn  func(ctx context.Context, projectID, sectionID string) error
	updateContentFn  func(ctx context.Context, projectID, sectionID, content string) (project.Section, error)
	generateFn       func(ctx context.Context, projectID, sectionID string, useWebResearch bool) (project.Section, error)
	refineFn         func(ctx context.Context, projectID, sectionID, prompt, userID string) (project.Section, error)
	addCommentFn     func(ctx context.Context, projectID, sectionID, text, userID string) (project.Section, error)
	likeFn           func(ctx context.Context, projectID, sectionID, refinementID, userID string) (project.Section, error)
	dislikeFn        func(ctx context.Context, projectID, sectionID, refinementID, userID string) (project.Section, error)
	suggestOutlineFn func(ctx context.Context, projectID, topic string) (project.Project, error)
}

func (f *fakeRemote) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeRemote) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeRemote) FetchProject(ctx context.Context, projectID string) (project.Project, error) {
	f.record("fetch")
	if f.fetchFn != nil {
		return f.fetchFn(ctx, projectID)
	}
	return project.Project{}, errors.New("unexpected fetch")
}

func (f *fakeRemote) ReplaceOrder(ctx context.Context, projectID string, sectionIDs []string) error {
	f.record("replace_order")
	if f.replaceOrderFn != nil {
		return f.replaceOrderFn(ctx, projectID, sectionIDs)
	}
	return nil
}

func (f *fakeRemote) CreateSection(ctx context.Context, projectID, title string) (project.Section, int, error) {
	f.record("create_section")
	if f.createSectionFn != nil {
		return f.createSectionFn(ctx, projectID, title)
	}
	return project.Section{}, 0, errors.New("unexpected create")
}

func (f *fakeRemote) DeleteSection(ctx context.Context, projectID, sectionID string) error {
	f.record("delete_section")
	if f.deleteSectionFn != nil {
		return f.deleteSectionFn(ctx, projectID, sectionID)
	}
	return nil
}

func (f *fakeRemote) UpdateContent(ctx context.Context, projectID, sectionID, content string) (project.Section, error) {
	f.record("update_content")
	if f.updateContentFn != nil {
		return f.updateContentFn(ctx, projectID, sectionID, content)
	}
	return project.Section{}, errors.New("unexpected update")
}

func (f *fakeRemote) Generate(ctx context.Context, projectID, sectionID string, useWebResearch bool) (project.Section, error) {
	f.record("generate")
	if f.generateFn != nil {
		return f.generateFn(ctx, projectID, sectionID, useWebResearch)
	}
	return project.Section{}, errors.New("unexpected generate")
}

func (f *fakeRemote) Refine(ctx context.Context, projectID, sectionID, prompt, userID string) (project.Section, error) {
	f.record("refine")
	if f.refineFn != nil {
		return f.refineFn(ctx, projectID, sectionID, prompt, userID)
	}
	return project.Section{}, nil
}

func (f *fakeRemote) AddComment(ctx context.Context, projectID, sectionID, text, userID string) (project.Section, error) {
	f.record("add_comment")
	if f.addCommentFn != nil {
		return f.addCommentFn(ctx, projectID, sectionID, text, userID)
	}
	return project.Section{}, nil
}

func (f *fakeRemote) LikeRefinement(ctx context.Context, projectID, sectionID, refinementID, userID string) (project.Section, error) {
	f.record("like")
	if f.likeFn != nil {
		return f.likeFn(ctx, projectID, sectionID, refinementID, userID)
	}
	return project.Section{}, nil
}

func (f *fakeRemote) DislikeRefinement(ctx context.Context, projectID, sectionID, refinementID, userID string) (project.Section, error) {
	f.record("dislike")
	if f.dislikeFn != nil {
		return f.dislikeFn(ctx, projectID, sectionID, refinementID, userID)
	}
	return project.Section{}, nil
}

func (f *fakeRemote) SuggestOutline(ctx context.Context, projectID, topic string) (project.Project, error) {
	f.record("suggest_outline")
	if f.suggestOutlineFn != nil {
		return f.suggestOutlineFn(ctx, projectID, topic)
	}
	return project.Project{}, nil
}

func sampleProject(ids ...string) project.Project {
	p := project.Project{ID: "prj_1", Title: "Report", Outline: []project.Section{}}
	for _, id := range ids {
		p.Outline = append(p.Outline, project.Section{ID: id, Title: "Section " + id, Status: project.StatusPending})
	}
	return p
}

// newLoadedSynchronizer returns a synchronizer already holding p, with fetch counters reset.
func newLoadedSynchronizer(t *testing.T, remote *fakeRemote, p project.Project) *Synchronizer {
	t.Helper()
	if remote.fetchFn == nil {
		remote.fetchFn = func(context.Context, string) (project.Project, error) { return p.Clone(), nil }
	}
	s := New(remote, auth.NewStaticProvider("token", "user_1"), p.ID, nil)
	require.NoError(t, s.Load(context.Background()))
	remote.mu.Lock()
	remote.calls = nil
	remote.mu.Unlock()
	return s
}

func TestLoadReplacesSnapshot(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1"))

	assert.Equal(t, []string{"a1", "b1"}, s.Order())
	assert.Equal(t, "Report", s.Snapshot().Title)
}

func TestReorderAppliesPermutationImmediately(t *testing.T) {
	permutations := [][]string{
		{"a1", "b1", "c1"},
		{"c1", "b1", "a1"},
		{"b1", "c1", "a1"},
		{"a1", "c1", "b1"},
	}
	for _, perm := range permutations {
		remote := &fakeRemote{}
		server := sampleProject("a1", "b1", "c1")
		remote.fetchFn = func(context.Context, string) (project.Project, error) { return server.Clone(), nil }
		s := newLoadedSynchronizer(t, remote, server)

		remote.replaceOrderFn = func(_ context.Context, _ string, ids []string) error {
			assert.Equal(t, perm, s.Order(), "local order must change before the remote call")
			require.NoError(t, server.ApplyOrder(ids))
			return nil
		}

		require.NoError(t, s.Reorder(context.Background(), perm))
		assert.Equal(t, perm, s.Order())

		require.NoError(t, s.Load(context.Background()))
		assert.Equal(t, perm, s.Order(), "refetch must agree with the optimistic order")
	}
}

func TestReorderRejectsNonPermutation(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1", "c1"))

	cases := [][]string{
		{"a1", "b1"},
		{"a1", "b1", "b1"},
		{"a1", "b1", "x9"},
		{"a1", "b1", "c1", "d1"},
	}
	for _, ids := range cases {
		err := s.Reorder(context.Background(), ids)
		assert.ErrorIs(t, err, ErrInvalidOrder)
	}
	assert.Equal(t, []string{"a1", "b1", "c1"}, s.Order())
	assert.Zero(t, remote.total())
}

func TestMoveBoundariesAreNoOps(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1", "c1"))

	require.NoError(t, s.MoveUp(context.Background(), "a1"))
	require.NoError(t, s.MoveDown(context.Background(), "c1"))

	assert.Equal(t, []string{"a1", "b1", "c1"}, s.Order())
	assert.Zero(t, remote.total())
}

func TestMoveUnknownSection(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1"))

	assert.ErrorIs(t, s.MoveDown(context.Background(), "zz"), ErrUnknownSection)
	assert.Zero(t, remote.total())
}

func TestMoveDownFailureRollsBackByRefetch(t *testing.T) {
	remote := &fakeRemote{}
	original := sampleProject("a1", "b1", "c1")
	s := newLoadedSynchronizer(t, remote, original)

	var sent []string
	var orderDuringCall []string
	remote.replaceOrderFn = func(_ context.Context, _ string, ids []string) error {
		sent = append([]string(nil), ids...)
		orderDuringCall = s.Order()
		return errors.New("network down")
	}

	err := s.MoveDown(context.Background(), "a1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network down")

	assert.Equal(t, []string{"b1", "a1", "c1"}, sent)
	assert.Equal(t, []string{"b1", "a1", "c1"}, orderDuringCall)
	assert.Equal(t, []string{"a1", "b1", "c1"}, s.Order())
	assert.Equal(t, 1, remote.count("replace_order"))
	assert.Equal(t, 1, remote.count("fetch"))
}

func TestRollbackRefetchFailureKeepsSnapshotAndJoinsErrors(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1"))

	replaceErr := errors.New("replace failed")
	fetchErr := errors.New("fetch failed")
	remote.replaceOrderFn = func(context.Context, string, []string) error { return replaceErr }
	remote.fetchFn = func(context.Context, string) (project.Project, error) { return project.Project{}, fetchErr }

	err := s.Reorder(context.Background(), []string{"b1", "a1"})
	assert.ErrorIs(t, err, replaceErr)
	assert.ErrorIs(t, err, fetchErr)
	assert.Equal(t, []string{"b1", "a1"}, s.Order())
}

func TestRollbackRunsAfterCallerCancels(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1"))

	ctx, cancel := context.WithCancel(context.Background())
	remote.replaceOrderFn = func(context.Context, string, []string) error {
		cancel()
		return context.Canceled
	}

	err := s.Reorder(ctx, []string{"b1", "a1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a1", "b1"}, s.Order())
}

func TestAddSectionRejectsBlankTitle(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1"))

	for _, title := range []string{"", "   ", "\t\n"} {
		_, err := s.AddSection(context.Background(), title)
		assert.ErrorIs(t, err, ErrBlankTitle)
	}
	assert.Zero(t, remote.total())
}

func TestAddSectionInsertsServerSection(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1"))

	var titles []string
	remote.createSectionFn = func(_ context.Context, _ string, title string) (project.Section, int, error) {
		titles = append(titles, title)
		return project.Section{ID: "c1", Title: title, Status: project.StatusPending}, 2, nil
	}

	section, err := s.AddSection(context.Background(), "  Conclusion ")
	require.NoError(t, err)

	assert.Equal(t, []string{"Conclusion"}, titles)
	assert.Equal(t, 1, remote.count("create_section"))
	assert.Equal(t, "c1", section.ID)
	assert.Len(t, s.Snapshot().Outline, 3)
	assert.Equal(t, []string{"a1", "b1", "c1"}, s.Order())
}

func TestAddSectionFailureLeavesOutline(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1"))
	remote.createSectionFn = func(context.Context, string, string) (project.Section, int, error) {
		return project.Section{}, 0, errors.New("boom")
	}

	_, err := s.AddSection(context.Background(), "Conclusion")
	require.Error(t, err)
	assert.Equal(t, []string{"a1", "b1"}, s.Order())
}

func TestConfirmDeleteRequiresRequest(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1"))

	assert.ErrorIs(t, s.ConfirmDelete(context.Background(), "a1"), ErrDeleteNotRequested)

	require.NoError(t, s.RequestDelete("a1"))
	assert.ErrorIs(t, s.ConfirmDelete(context.Background(), "b1"), ErrDeleteNotRequested)

	s.CancelDelete()
	assert.ErrorIs(t, s.ConfirmDelete(context.Background(), "a1"), ErrDeleteNotRequested)
	assert.ErrorIs(t, s.RequestDelete("zz"), ErrUnknownSection)
	assert.Zero(t, remote.total())
}

func TestDeleteRemovesOnlyAfterServerSuccess(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1"))

	remote.deleteSectionFn = func(_ context.Context, _ string, sectionID string) error {
		assert.Contains(t, s.Order(), sectionID, "section must stay until the server confirms")
		return nil
	}

	require.NoError(t, s.RequestDelete("a1"))
	require.NoError(t, s.ConfirmDelete(context.Background(), "a1"))
	assert.Equal(t, []string{"b1"}, s.Order())
	_, pending := s.PendingDelete()
	assert.False(t, pending)
}

func TestDeleteFailureKeepsSection(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1"))
	remote.deleteSectionFn = func(context.Context, string, string) error { return errors.New("offline") }

	require.NoError(t, s.RequestDelete("a1"))
	err := s.ConfirmDelete(context.Background(), "a1")
	require.Error(t, err)
	assert.Equal(t, []string{"a1", "b1"}, s.Order())
	assert.Zero(t, remote.count("fetch"))
}

func TestGenerateSetsGeneratingBeforeRemoteResolves(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1"))

	remote.generateFn = func(_ context.Context, _ string, sectionID string, research bool) (project.Section, error) {
		section, err := func() (project.Section, error) {
			snap := s.Snapshot()
			current, err := snap.Section(sectionID)
			if err != nil {
				return project.Section{}, err
			}
			return *current, nil
		}()
		require.NoError(t, err)
		assert.Equal(t, project.StatusGenerating, section.Status)
		assert.True(t, research)
		return project.Section{ID: sectionID, Title: section.Title, Content: "<p>done</p>", Bullets: []string{"x"}, Status: project.StatusDone, Version: 2}, nil
	}

	section, err := s.GenerateContent(context.Background(), "a1", true)
	require.NoError(t, err)
	assert.Equal(t, project.StatusDone, section.Status)

	snap := s.Snapshot()
	assert.Equal(t, "<p>done</p>", snap.Outline[0].Content)
	assert.Equal(t, 2, snap.Outline[0].Version)
	assert.Zero(t, remote.count("fetch"))
}

func TestGenerateFailureRefetches(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1"))
	failed := sampleProject("a1")
	failed.Outline[0].Status = project.StatusFailed
	remote.fetchFn = func(context.Context, string) (project.Project, error) { return failed.Clone(), nil }
	remote.generateFn = func(context.Context, string, string, bool) (project.Section, error) {
		return project.Section{}, errors.New("llm down")
	}

	_, err := s.GenerateContent(context.Background(), "a1", false)
	require.Error(t, err)
	assert.Equal(t, 1, remote.count("fetch"))
	assert.Equal(t, project.StatusFailed, s.Snapshot().Outline[0].Status)
}

func TestSaveContentSkipsUnchangedHTML(t *testing.T) {
	remote := &fakeRemote{}
	p := sampleProject("a1")
	p.Outline[0].Content = "<p>same</p>"
	s := newLoadedSynchronizer(t, remote, p)

	require.NoError(t, s.SaveContent(context.Background(), "a1", "<p>same</p>"))
	assert.Zero(t, remote.total())

	remote.updateContentFn = func(_ context.Context, _ string, sectionID, content string) (project.Section, error) {
		return project.Section{ID: sectionID, Content: content, Status: project.StatusDone, Version: 3}, nil
	}
	require.NoError(t, s.SaveContent(context.Background(), "a1", "<p>new</p>"))
	assert.Equal(t, 1, remote.count("update_content"))
	assert.Equal(t, 3, s.Snapshot().Outline[0].Version)

	require.NoError(t, s.SaveContent(context.Background(), "a1", "<p>new</p>"))
	assert.Equal(t, 1, remote.count("update_content"))
}

func TestRefineSendsActingUserAndRefetches(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1"))

	var gotUser, gotPrompt string
	remote.refineFn = func(_ context.Context, _, _, prompt, userID string) (project.Section, error) {
		gotUser, gotPrompt = userID, prompt
		return project.Section{}, nil
	}

	assert.ErrorIs(t, s.Refine(context.Background(), "a1", "  "), ErrBlankPrompt)
	require.NoError(t, s.Refine(context.Background(), "a1", " shorter "))
	assert.Equal(t, "user_1", gotUser)
	assert.Equal(t, "shorter", gotPrompt)
	assert.Equal(t, 1, remote.count("refine"))
	assert.Equal(t, 1, remote.count("fetch"))
}

func TestRefineFailureDoesNotRefetch(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1"))
	remote.refineFn = func(context.Context, string, string, string, string) (project.Section, error) {
		return project.Section{}, errors.New("nope")
	}

	require.Error(t, s.Refine(context.Background(), "a1", "shorter"))
	assert.Zero(t, remote.count("fetch"))
}

func TestAddCommentRefetches(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1"))

	assert.ErrorIs(t, s.AddComment(context.Background(), "a1", ""), ErrBlankComment)
	require.NoError(t, s.AddComment(context.Background(), "a1", "looks good"))
	assert.Equal(t, 1, remote.count("add_comment"))
	assert.Equal(t, 1, remote.count("fetch"))
}

func TestLikeIssuesOneCallAndOneRefetch(t *testing.T) {
	for _, alreadyLiked := range []bool{false, true} {
		remote := &fakeRemote{}
		p := sampleProject("a1")
		ref := project.Refinement{ID: "ref_1", Prompt: "x"}
		if alreadyLiked {
			ref.Likes = []string{"user_1"}
		}
		p.Outline[0].RefinementHistory = []project.Refinement{ref}
		s := newLoadedSynchronizer(t, remote, p)

		require.NoError(t, s.LikeRefinement(context.Background(), "a1", "ref_1"))
		assert.Equal(t, 1, remote.count("like"))
		assert.Equal(t, 1, remote.count("fetch"))
		assert.Equal(t, 2, remote.total())
	}
}

func TestDislikeUsesDislikeEndpoint(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1"))

	require.NoError(t, s.DislikeRefinement(context.Background(), "a1", "ref_1"))
	assert.Equal(t, 1, remote.count("dislike"))
	assert.Zero(t, remote.count("like"))
	assert.Equal(t, 1, remote.count("fetch"))
}

func TestSuggestOutlineRefetches(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject())
	suggested := sampleProject("s1", "s2", "s3", "s4")
	remote.fetchFn = func(context.Context, string) (project.Project, error) { return suggested.Clone(), nil }

	assert.ErrorIs(t, s.SuggestOutline(context.Background(), " "), ErrBlankTopic)
	require.NoError(t, s.SuggestOutline(context.Background(), "EV market"))
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, s.Order())
}

func TestMissingCredentialBlocksRemoteCalls(t *testing.T) {
	remote := &fakeRemote{}
	p := sampleProject("a1", "b1")
	remote.fetchFn = func(context.Context, string) (project.Project, error) { return p.Clone(), nil }
	s := New(remote, auth.NewStaticProvider("", ""), p.ID, nil)

	assert.ErrorIs(t, s.Load(context.Background()), auth.ErrNoCredential)
	assert.ErrorIs(t, s.Reorder(context.Background(), []string{}), auth.ErrNoCredential)
	_, err := s.AddSection(context.Background(), "Title")
	assert.ErrorIs(t, err, auth.ErrNoCredential)
	assert.ErrorIs(t, s.SuggestOutline(context.Background(), "topic"), auth.ErrNoCredential)
	assert.Zero(t, remote.total())

	nilProvider := New(remote, nil, p.ID, nil)
	assert.ErrorIs(t, nilProvider.Load(context.Background()), auth.ErrNoCredential)
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1"))

	var seen [][]string
	s.OnChange(func(p project.Project) { seen = append(seen, p.SectionIDs()) })

	require.NoError(t, s.MoveDown(context.Background(), "a1"))
	require.Len(t, seen, 1)
	assert.Equal(t, []string{"b1", "a1"}, seen[0])
}

func TestSnapshotIsIsolated(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1"))

	snap := s.Snapshot()
	snap.Outline[0].Title = "mutated"
	assert.Equal(t, "Section a1", s.Snapshot().Outline[0].Title)
}

func TestConcurrentOperationsAreSafe(t *testing.T) {
	remote := &fakeRemote{}
	s := newLoadedSynchronizer(t, remote, sampleProject("a1", "b1", "c1"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.MoveDown(context.Background(), "a1")
		}()
		go func() {
			defer wg.Done()
			_ = s.Load(context.Background())
		}()
	}
	wg.Wait()
	assert.ElementsMatch(t, []string{"a1", "b1", "c1"}, s.Order())
}
