package largeobject

// Plan is the split of a file into parts.
type Plan struct {
	PartSize         int
	FinalPartSize    int
	TotalParts       int
	EffectiveWorkers int
	Parts            []*FilePart
}

// PlanParts computes how a file of fileSize bytes is split into parts.
// It is a pure function: identical inputs always yield an identical plan.
func PlanParts(fileSize, minimumLargeObjectSize int64, recommendedPartSize, minimumPartSize, requestedWorkers int) (Plan, error) {
	if fileSize < minimumLargeObjectSize {
		return Plan{}, &FileTooSmallError{Size: fileSize, Minimum: minimumLargeObjectSize}
	}
	if requestedWorkers < 1 {
		requestedWorkers = 1
	}

	var partSize int64
	var totalParts int64
	workers := int64(requestedWorkers)

	switch {
	case workers*int64(recommendedPartSize) <= fileSize:
		partSize = int64(recommendedPartSize)
		totalParts = fileSize / partSize
	case fileSize/workers > int64(minimumPartSize):
		totalParts = workers
		partSize = fileSize / totalParts
	default:
		partSize = int64(minimumPartSize)
		totalParts = fileSize / partSize
		if totalParts < 1 {
			totalParts = 1
		}
	}

	finalPartSize := fileSize - (totalParts-1)*partSize

	effectiveWorkers := requestedWorkers
	if int64(effectiveWorkers) > totalParts {
		effectiveWorkers = int(totalParts)
	}

	parts := make([]*FilePart, 0, totalParts)
	for i := int64(0); i < totalParts; i++ {
		length := partSize
		if i == totalParts-1 {
			length = finalPartSize
		}
		parts = append(parts, &FilePart{
			PartNumber: int(i) + 1,
			Offset:     i * partSize,
			Length:     int(length),
		})
	}

	return Plan{
		PartSize:         int(partSize),
		FinalPartSize:    int(finalPartSize),
		TotalParts:       int(totalParts),
		EffectiveWorkers: effectiveWorkers,
		Parts:            parts,
	}, nil
}

// Verify checks that the parts cover the file exactly.
func (p Plan) Verify(fileSize int64) error {
	var sum int64
	for _, part := range p.Parts {
		sum += int64(part.Length)
	}
	if sum != fileSize || len(p.Parts) != p.TotalParts {
		return &SessionIntegrityError{FileSize: fileSize, Planned: sum}
	}
	return nil
}
