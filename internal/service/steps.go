package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/backdrop/studio/internal/client"
	"github.com/backdrop/studio/internal/repository"
	commonerrors "github.com/backdrop/studio/pkg/errors"
	"github.com/backdrop/studio/pkg/saga"
)

// uploadTypes maps the accepted sniffed content types to the stored file extension.
var uploadTypes = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

// UploadInput is one image file submitted by a user.
type UploadInput struct {
	Filename string
	Data     []byte
}

// StyleInput chooses the background. CustomPrompt wins over PresetID when they disagree.
type StyleInput struct {
	PresetID     string `json:"presetId"`
	CustomPrompt string `json:"customPrompt"`
}

type maskOutput struct {
	RecordID    string  `json:"recordId"`
	ProviderURL string  `json:"providerUrl"`
	StorageURL  string  `json:"storageUrl,omitempty"`
	RehostError string  `json:"rehostError,omitempty"`
	Cost        float64 `json:"cost"`
}

type generationOutput struct {
	RecordID    string  `json:"recordId"`
	Prompt      string  `json:"prompt"`
	ProviderURL string  `json:"providerUrl"`
	StorageURL  string  `json:"storageUrl,omitempty"`
	RehostError string  `json:"rehostError,omitempty"`
	Cost        float64 `json:"cost"`
}

func requireResults(keys ...string) precheckFunc {
	return func(sess *saga.Session) error {
		for _, k := range keys {
			if sess.ResultString(k) == "" {
				return missingArtifact(k)
			}
		}
		return nil
	}
}

// validateUpload checks size and sniffed type. It returns the content type and extension.
func (s *WorkflowService) validateUpload(in UploadInput) (string, string, error) {
	if len(in.Data) == 0 {
		return "", "", commonerrors.New(commonerrors.CodeInvalidParam, "file is empty")
	}
	if int64(len(in.Data)) > s.cfg.MaxUploadBytes {
		return "", "", commonerrors.Newf(commonerrors.CodeFileTooLarge,
			"file is %d bytes, the limit is %d", len(in.Data), s.cfg.MaxUploadBytes)
	}
	contentType := http.DetectContentType(in.Data)
	ext, ok := uploadTypes[contentType]
	if !ok {
		return "", "", commonerrors.Newf(commonerrors.CodeInvalidFileType,
			"%s is not supported, use JPEG, PNG or WebP", contentType)
	}
	return contentType, ext, nil
}

// Upload stores the original image and opens an image record for it. Uploading over a
// finished upload starts a new session, but only once the new image and record exist: a
// failed replacement leaves the previous session as it was.
func (s *WorkflowService) Upload(ctx context.Context, userID string, in UploadInput, progress ProgressFunc) (*SessionView, error) {
	contentType, ext, err := s.validateUpload(in)
	if err != nil {
		return nil, err
	}
	if err := s.busy(userID); err != nil {
		return nil, err
	}

	replacing := false
	if st := s.manager(userID).GetCurrentSession(ctx).Step(saga.StepUpload); st != nil && st.Status == saga.StatusCompleted {
		replacing = true
	}

	return s.runStep(ctx, userID, progress, nil, phase{step: saga.StepUpload, detached: replacing, body: func(ctx context.Context, run *stepRun) (any, error) {
		path := client.OriginalPath(userID, ext, s.now())
		rec := &repository.ImageRecord{UserID: userID, OriginalPath: path}

		actions := []saga.Action{
			{
				Name: "store_original",
				Do:   func(ctx context.Context) error {
					run.report(ctx, StageUploading, 20, "")
					url, err := s.artifacts.Upload(ctx, path, in.Data, contentType)
					if err != nil {
						return err
					}
					rec.OriginalURL = url
					return nil
				},
				Undo: func(ctx context.Context) error {
					return s.artifacts.Delete(ctx, path)
				},
			},
			{
				Name: "create_record",
				Do:   func(ctx context.Context) error {
					run.report(ctx, StageRecording, 70, "")
					return s.records.Create(ctx, rec)
				},
				Undo: func(ctx context.Context) error {
					msg := "upload did not complete"
					_, err := s.records.Advance(ctx, rec, repository.StatusError, repository.RecordUpdate{ErrorMessage: &msg})
					return err
				},
			},
			{
				Name: "update_session",
				Do:   func(ctx context.Context) error {
					if replacing {
						if err := run.replaceSession(ctx); err != nil {
							return err
						}
					}
					return run.mergeResults(ctx, map[string]any{
						saga.ResultOriginalImageURL: rec.OriginalURL,
						saga.ResultOriginalFilename: in.Filename,
						saga.ResultOriginalPath:     path,
						saga.ResultRecordID:         rec.ID,
					})
				},
			},
		}
		if err := s.executor.Run(ctx, "upload", actions); err != nil {
			return nil, err
		}
		return map[string]any{
			"url":         rec.OriginalURL,
			"path":        path,
			"filename":    in.Filename,
			"size":        len(in.Data),
			"contentType": contentType,
			"recordId":    rec.ID,
		}, nil
	}})
}

// SelectStyle records the background description. It makes no network calls.
func (s *WorkflowService) SelectStyle(ctx context.Context, userID string, in StyleInput) (*SessionView, error) {
	presetID := strings.TrimSpace(in.PresetID)
	prompt := strings.TrimSpace(in.CustomPrompt)
	if presetID != "" {
		preset, ok := LookupStyle(presetID)
		if !ok {
			return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "unknown style preset %q", presetID)
		}
		switch {
		case prompt == "":
			prompt = preset.Prompt
		case prompt != preset.Prompt:
			presetID = ""
		}
	}
	if prompt == "" {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "a style preset or a custom prompt is required")
	}

	return s.runStep(ctx, userID, nil, nil, phase{step: saga.StepStyleSelection, body: func(ctx context.Context, run *stepRun) (any, error) {
		if err := run.mergeResults(ctx, map[string]any{
			saga.ResultSelectedStyle: presetID,
			saga.ResultCustomPrompt:  prompt,
		}); err != nil {
			return nil, err
		}
		return map[string]any{"presetId": presetID, "prompt": prompt}, nil
	}})
}

// RemoveBackground produces the subject mask for the uploaded image.
func (s *WorkflowService) RemoveBackground(ctx context.Context, userID string, progress ProgressFunc) (*SessionView, error) {
	return s.runStep(ctx, userID, progress, requireResults(saga.ResultOriginalImageURL),
		phase{step: saga.StepBackgroundRemoval, body: s.removeBackground})
}

func (s *WorkflowService) removeBackground(ctx context.Context, run *stepRun) (any, error) {
	run.report(ctx, StageRecording, 5, "")
	rec, err := s.recordFor(ctx, run)
	if err != nil {
		return nil, err
	}
	if rec, err = s.records.Advance(ctx, rec, repository.StatusProcessingMask, repository.RecordUpdate{}); err != nil {
		return nil, err
	}

	out, err := s.generateMask(ctx, run, rec)
	if err != nil {
		s.failRecord(ctx, rec, err)
		return nil, err
	}
	return out, nil
}

func (s *WorkflowService) generateMask(ctx context.Context, run *stepRun, rec *repository.ImageRecord) (*maskOutput, error) {
	run.report(ctx, StageCallingModel, 20, "")
	res, err := s.provider.RemoveBackground(ctx, run.session.ResultString(saga.ResultOriginalImageURL), client.BackgroundRemovalOptions{
		Model:           s.cfg.MaskModel,
		ReturnOnlyMask:  client.SupportsMask(s.cfg.MaskModel),
		PostProcessMask: client.SupportsMask(s.cfg.MaskModel),
	})
	if err != nil {
		return nil, err
	}

	out := &maskOutput{RecordID: rec.ID, ProviderURL: res.Output(), Cost: res.Cost}
	out.StorageURL, out.RehostError = s.rehost(ctx, run, out.ProviderURL,
		client.ProcessedPath(run.userID, rec.ID, "mask", s.now()), "mask")

	run.report(ctx, StageFinalizing, 90, "")
	if _, err := s.records.Advance(ctx, rec, repository.StatusMaskGenerated, repository.RecordUpdate{
		MaskProviderURL: repository.String(out.ProviderURL),
		MaskStorageURL:  repository.String(out.StorageURL),
		AddCost:         out.Cost,
	}); err != nil {
		return nil, err
	}
	if err := run.mergeResults(ctx, map[string]any{
		saga.ResultMaskURL:              out.ProviderURL,
		saga.ResultBackgroundRemovedURL: firstNonEmpty(out.StorageURL, out.ProviderURL),
		saga.ResultTotalCost:            run.session.ResultFloat(saga.ResultTotalCost) + out.Cost,
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateBackground inpaints the chosen background around the subject, then finalizes the
// record in the same run.
func (s *WorkflowService) GenerateBackground(ctx context.Context, userID string, progress ProgressFunc) (*SessionView, error) {
	return s.runStep(ctx, userID, progress, func(sess *saga.Session) error {
		if err := requireResults(saga.ResultOriginalImageURL, saga.ResultCustomPrompt)(sess); err != nil {
			return err
		}
		if maskURL(sess) == "" {
			return missingArtifact(saga.ResultMaskURL)
		}
		return nil
	},
		phase{step: saga.StepBackgroundGeneration, body: s.generateBackground},
		phase{step: saga.StepFinalProcessing, body: s.finalize},
	)
}

func maskURL(sess *saga.Session) string {
	return firstNonEmpty(sess.ResultString(saga.ResultBackgroundRemovedURL), sess.ResultString(saga.ResultMaskURL))
}

// enhancePrompt appends the quality booster to the user's prompt.
func (s *WorkflowService) enhancePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if s.cfg.QualityBooster == "" {
		return prompt
	}
	return prompt + ", " + s.cfg.QualityBooster
}

func (s *WorkflowService) generateBackground(ctx context.Context, run *stepRun) (any, error) {
	sess := run.session
	prompt := s.enhancePrompt(sess.ResultString(saga.ResultCustomPrompt))

	run.report(ctx, StageRecording, 5, "")
	rec, err := s.recordFor(ctx, run)
	if err != nil {
		return nil, err
	}
	if rec.Status != repository.StatusProcessingInpainting {
		// a record left in error re-enters through processing_mask with the mask it already has
		maskProvider := sess.ResultString(saga.ResultMaskURL)
		var maskStorage string
		if stored := sess.ResultString(saga.ResultBackgroundRemovedURL); stored != maskProvider {
			maskStorage = stored
		}
		if rec, err = s.records.Advance(ctx, rec, repository.StatusMaskGenerated, repository.RecordUpdate{
			MaskProviderURL: repository.String(maskProvider),
			MaskStorageURL:  repository.String(maskStorage),
		}); err != nil {
			return nil, err
		}
		negative := s.cfg.NegativePrompt
		if rec, err = s.records.Advance(ctx, rec, repository.StatusProcessingInpainting, repository.RecordUpdate{
			Style:          repository.String(sess.ResultString(saga.ResultSelectedStyle)),
			Prompt:         &prompt,
			NegativePrompt: repository.String(negative),
		}); err != nil {
			return nil, err
		}
	}

	out, err := s.inpaint(ctx, run, rec, prompt)
	if err != nil {
		s.failRecord(ctx, rec, err)
		return nil, err
	}
	return out, nil
}

func (s *WorkflowService) inpaint(ctx context.Context, run *stepRun, rec *repository.ImageRecord, prompt string) (*generationOutput, error) {
	run.report(ctx, StageCallingModel, 20, "")
	res, err := s.provider.Inpaint(ctx, client.InpaintRequest{
		PositivePrompt: prompt,
		NegativePrompt: s.cfg.NegativePrompt,
		SeedImage:      run.session.ResultString(saga.ResultOriginalImageURL),
		MaskImage:      maskURL(run.session),
		Options:        client.InpaintOptions{Model: s.cfg.InpaintModel},
	})
	if err != nil {
		return nil, err
	}

	out := &generationOutput{RecordID: rec.ID, Prompt: prompt, ProviderURL: res.Output(), Cost: res.Cost}
	out.StorageURL, out.RehostError = s.rehost(ctx, run, out.ProviderURL,
		client.ProcessedPath(run.userID, rec.ID, "final", s.now()), "final")

	if err := run.mergeResults(ctx, map[string]any{saga.ResultFinalProviderURL: out.ProviderURL}); err != nil {
		return nil, err
	}
	return out, nil
}

// Finalize completes the image record from the background generation output.
func (s *WorkflowService) Finalize(ctx context.Context, userID string) (*SessionView, error) {
	return s.runStep(ctx, userID, nil, nil, phase{step: saga.StepFinalProcessing, body: s.finalize})
}

func (s *WorkflowService) finalize(ctx context.Context, run *stepRun) (any, error) {
	var gen generationOutput
	st := run.session.Step(saga.StepBackgroundGeneration)
	if st == nil || len(st.Data) == 0 || json.Unmarshal(st.Data, &gen) != nil || gen.ProviderURL == "" {
		return nil, missingArtifact("background generation output")
	}

	run.report(ctx, StageFinalizing, 30, "")
	rec, err := s.records.Get(ctx, gen.RecordID, run.userID)
	if err != nil {
		return nil, err
	}
	done, err := s.records.Advance(ctx, rec, repository.StatusCompleted, repository.RecordUpdate{
		FinalProviderURL: repository.String(gen.ProviderURL),
		FinalStorageURL:  repository.String(gen.StorageURL),
		AddCost:          gen.Cost,
	})
	if err != nil {
		s.failRecord(ctx, rec, err)
		return nil, err
	}

	finalURL := firstNonEmpty(gen.StorageURL, gen.ProviderURL)
	if err := run.mergeResults(ctx, map[string]any{
		saga.ResultFinalImageURL: finalURL,
		saga.ResultTotalCost:     done.Cost,
	}); err != nil {
		return nil, err
	}
	return map[string]any{
		"recordId":      done.ID,
		"finalImageUrl": finalURL,
		"totalCost":     done.Cost,
	}, nil
}

// Retry resets a failed step and runs it again. Upload and style selection need user input,
// so they are only reset.
func (s *WorkflowService) Retry(ctx context.Context, userID string, step saga.StepName, progress ProgressFunc) (*SessionView, error) {
	if !step.Valid() {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidParam, "unknown step %q", step)
	}
	if err := s.busy(userID); err != nil {
		return nil, err
	}

	m := s.manager(userID)
	s.currentOrNew(ctx, m)
	if !m.ResetStep(ctx, step) {
		return nil, errSessionPersist
	}
	s.log.WithContext(ctx).WithField("step", string(step)).Info("step reset for retry")

	switch step {
	case saga.StepBackgroundRemoval:
		return s.RemoveBackground(ctx, userID, progress)
	case saga.StepBackgroundGeneration:
		return s.GenerateBackground(ctx, userID, progress)
	case saga.StepFinalProcessing:
		return s.Finalize(ctx, userID)
	default:
		view := s.Session(ctx, userID)
		s.publishSession(ctx, userID, view)
		return view, nil
	}
}

// rehost copies a provider output into storage. On failure the caller keeps the provider URL
// and the returned message is recorded on the step.
func (s *WorkflowService) rehost(ctx context.Context, run *stepRun, source, path, artifact string) (string, string) {
	run.report(ctx, StageRehosting, 75, "")
	url, err := s.artifacts.Rehost(ctx, source, path)
	if err != nil {
		s.metrics.IncRehostFallback(artifact)
		s.log.WithContext(ctx).WithError(err).Warnf("rehost failed, keeping provider url", map[string]interface{}{
			"artifact": artifact,
		})
		return "", err.Error()
	}
	return url, ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
