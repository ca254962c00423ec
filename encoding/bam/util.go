package bam

import "github.com/grailbio/hts/sam"

// IsPaired returns true if the record is paired.
func IsPaired(record *sam.Record) bool {
	return record.Flags&sam.Paired != 0
}

// IsProperPair returns true if the record is mapped in a proper pair.
func IsProperPair(record *sam.Record) bool {
	return record.Flags&sam.ProperPair != 0
}

// IsUnmapped returns true if the record is unmapped.
func IsUnmapped(record *sam.Record) bool {
	return record.Flags&sam.Unmapped != 0
}

// IsMateUnmapped returns true if the record's mate is unmapped.
func IsMateUnmapped(record *sam.Record) bool {
	return record.Flags&sam.MateUnmapped != 0
}

// IsReverse returns true if the record is mapped to the reverse strand.
func IsReverse(record *sam.Record) bool {
	return record.Flags&sam.Reverse != 0
}

// IsMateReverse returns true if the record's mate is mapped to the reverse
// strand.
func IsMateReverse(record *sam.Record) bool {
	return record.Flags&sam.MateReverse != 0
}

// IsRead1 returns true if the record is the first read of a pair.
func IsRead1(record *sam.Record) bool {
	return record.Flags&sam.Read1 != 0
}

// IsRead2 returns true if the record is the second read of a pair.
func IsRead2(record *sam.Record) bool {
	return record.Flags&sam.Read2 != 0
}

// IsSecondary returns true if the record is a secondary alignment.
func IsSecondary(record *sam.Record) bool {
	return record.Flags&sam.Secondary != 0
}

// IsQCFail returns true if the record fails platform or vendor quality checks.
func IsQCFail(record *sam.Record) bool {
	return record.Flags&sam.QCFail != 0
}

// IsDuplicate returns true if the record is a PCR or optical duplicate.
func IsDuplicate(record *sam.Record) bool {
	return record.Flags&sam.Duplicate != 0
}

// IsSupplementary returns true if the record is a supplementary alignment.
func IsSupplementary(record *sam.Record) bool {
	return record.Flags&sam.Supplementary != 0
}

// IsPrimary returns true if the record is neither a secondary nor a
// supplementary alignment.
func IsPrimary(record *sam.Record) bool {
	return record.Flags&(sam.Secondary|sam.Supplementary) == 0
}

// HasNoMappedMate returns true if record is unpaired or has an unmapped mate.
func HasNoMappedMate(record *sam.Record) bool {
	return (record.Flags&sam.Paired) == 0 || (record.Flags&sam.MateUnmapped) != 0
}
